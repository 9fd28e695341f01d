package amgx

import (
	"math"
	"time"

	"github.com/notargets/AmgXGo/comm"
	"github.com/notargets/AmgXGo/errs"
	"gonum.org/v1/gonum/floats"
	"k8s.io/klog/v2"
)

// SolveStatus is the outcome of the last solve
type SolveStatus uint8

const (
	SolveSuccess SolveStatus = iota
	SolveFailed
	SolveDiverged
)

func (s SolveStatus) String() string {
	switch s {
	case SolveFailed:
		return "FAILED"
	case SolveDiverged:
		return "DIVERGED"
	}
	return "SUCCESS"
}

// Solver runs the configured Krylov method. Every call that touches vectors
// is collective over the resource communicator.
type Solver struct {
	rsrc *Resources
	mode Mode
	cfg  *Config

	m       *Matrix
	invDiag []float64

	iters     int
	history   []float64
	status    SolveStatus
	setupTime time.Duration
	solveTime time.Duration
}

// NewSolver creates a solver for cfg
func NewSolver(rsrc *Resources, mode Mode, cfg *Config) (*Solver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Solver{rsrc: rsrc, mode: mode, cfg: cfg}, nil
}

// Setup binds the solver to m and builds the preconditioner
func (s *Solver) Setup(m *Matrix) error {
	start := time.Now()
	s.m = m
	if err := s.buildPreconditioner(); err != nil {
		return err
	}
	s.setupTime = time.Since(start)
	if s.cfg.ObtainTimings && s.rsrc.Comm.Rank() == 0 {
		klog.Infof("solver setup: %v", s.setupTime)
	}
	return nil
}

// Resetup refreshes the preconditioner after the coefficients of the bound
// matrix changed. The structure must be the one seen by Setup.
func (s *Solver) Resetup(m *Matrix) error {
	if s.m == nil {
		return errs.Configf("resetup before setup")
	}
	if m != s.m || len(s.invDiag) != m.NumRows() {
		return errs.Mismatchf("resetup with a matrix of a different structure")
	}
	return s.Setup(m)
}

func (s *Solver) buildPreconditioner() error {
	n := s.m.NumRows()
	s.invDiag = nil
	if s.cfg.Preconditioner == NoSolver || s.cfg.Solver == CG || s.cfg.Solver == BiCGStab {
		return comm.Agree(s.rsrc.Comm, nil)
	}
	diag, offProc := s.m.diagonal()
	inv := make([]float64, n)
	var err error
	for i, d := range diag {
		if s.cfg.Preconditioner == JacobiL1 {
			d += math.Copysign(offProc[i], d)
		}
		if d == 0 {
			err = errs.Formatf("zero diagonal in local row %d (global %d)", i, s.m.rows[i])
			break
		}
		inv[i] = 1 / d
	}
	if err = comm.Agree(s.rsrc.Comm, err); err != nil {
		return err
	}
	s.invDiag = inv
	return nil
}

// precondition computes z = M^-1 r
func (s *Solver) precondition(z, r []float64) {
	if s.invDiag == nil {
		copy(z, r)
		return
	}
	floats.MulTo(z, s.invDiag, r)
}

func (s *Solver) dot(a, b []float64) (float64, error) {
	sum, err := comm.AllreduceSum(s.rsrc.Comm, []float64{floats.Dot(a, b)})
	if err != nil {
		return 0, err
	}
	return sum[0], nil
}

func (s *Solver) norm(a []float64) (float64, error) {
	d, err := s.dot(a, a)
	return math.Sqrt(d), err
}

// Solve solves A x = b with x as the initial guess and overwrites x
func (s *Solver) Solve(b, x *Vector) error {
	if s.m == nil {
		return errs.Configf("solve before setup")
	}
	n := s.m.NumRows()
	if b.Size() != n || x.Size() != n {
		return errs.Mismatchf("vectors of %d and %d values for %d rows", b.Size(), x.Size(), n)
	}
	rhs := make([]float64, n)
	sol := make([]float64, n)
	if err := b.Download(rhs); err != nil {
		return err
	}
	if err := x.Download(sol); err != nil {
		return err
	}

	start := time.Now()
	var err error
	switch s.cfg.Solver {
	case PCG, CG:
		err = s.pcg(rhs, sol)
	default:
		err = s.bicgstab(rhs, sol)
	}
	if err != nil {
		return err
	}
	s.solveTime = time.Since(start)
	s.report()
	return x.store(sol)
}

// monitor records a residual norm and tells whether to stop
func (s *Solver) monitor(nrm float64) bool {
	s.history = append(s.history, nrm)
	if math.IsNaN(nrm) || math.IsInf(nrm, 0) {
		s.status = SolveDiverged
		return true
	}
	if !s.cfg.MonitorResidual {
		return false
	}
	target := s.cfg.Tolerance
	if s.cfg.Convergence != Absolute {
		target *= s.history[0]
	}
	if nrm <= target {
		s.status = SolveSuccess
		return true
	}
	return false
}

// start computes r = b - A x and records the initial residual
func (s *Solver) start(b, x, r []float64) (done bool, err error) {
	s.iters, s.history, s.status = 0, s.history[:0], SolveFailed
	if err = s.m.apply(x, r); err != nil {
		return false, err
	}
	floats.SubTo(r, b, r)
	nrm, err := s.norm(r)
	if err != nil {
		return false, err
	}
	if s.monitor(nrm) {
		return true, nil
	}
	if !s.cfg.MonitorResidual {
		s.status = SolveSuccess
	}
	return s.cfg.MaxIters == 0, nil
}

func (s *Solver) pcg(b, x []float64) error {
	n := len(b)
	r, z, p, q := make([]float64, n), make([]float64, n), make([]float64, n), make([]float64, n)
	if done, err := s.start(b, x, r); done || err != nil {
		return err
	}
	s.precondition(z, r)
	copy(p, z)
	rz, err := s.dot(r, z)
	if err != nil {
		return err
	}
	for s.iters < s.cfg.MaxIters {
		if err = s.m.apply(p, q); err != nil {
			return err
		}
		pq, err := s.dot(p, q)
		if err != nil {
			return err
		}
		if pq == 0 {
			klog.V(1).Infof("%s breakdown at iteration %d", s.cfg.Solver, s.iters)
			s.status = SolveFailed
			return nil
		}
		alpha := rz / pq
		floats.AddScaled(x, alpha, p)
		floats.AddScaled(r, -alpha, q)
		s.iters++
		nrm, err := s.norm(r)
		if err != nil {
			return err
		}
		if s.monitor(nrm) {
			return nil
		}
		s.precondition(z, r)
		rzNext, err := s.dot(r, z)
		if err != nil {
			return err
		}
		beta := rzNext / rz
		rz = rzNext
		floats.AddScaledTo(p, z, beta, p)
	}
	if s.cfg.MonitorResidual {
		s.status = SolveFailed
	}
	return nil
}

// bicgstab is right preconditioned BiCGStab
func (s *Solver) bicgstab(b, x []float64) error {
	n := len(b)
	r, rhat := make([]float64, n), make([]float64, n)
	p, phat, v := make([]float64, n), make([]float64, n), make([]float64, n)
	sv, shat, t := make([]float64, n), make([]float64, n), make([]float64, n)
	if done, err := s.start(b, x, r); done || err != nil {
		return err
	}
	copy(rhat, r)
	rho, alpha, omega := 1.0, 1.0, 1.0
	for s.iters < s.cfg.MaxIters {
		rhoNext, err := s.dot(rhat, r)
		if err != nil {
			return err
		}
		if rhoNext == 0 || omega == 0 {
			klog.V(1).Infof("%s breakdown at iteration %d", s.cfg.Solver, s.iters)
			s.status = SolveFailed
			return nil
		}
		if s.iters == 0 {
			copy(p, r)
		} else {
			beta := (rhoNext / rho) * (alpha / omega)
			floats.AddScaled(p, -omega, v)
			floats.AddScaledTo(p, r, beta, p)
		}
		rho = rhoNext
		s.precondition(phat, p)
		if err = s.m.apply(phat, v); err != nil {
			return err
		}
		rv, err := s.dot(rhat, v)
		if err != nil {
			return err
		}
		if rv == 0 {
			s.status = SolveFailed
			return nil
		}
		alpha = rho / rv
		floats.AddScaledTo(sv, r, -alpha, v)
		s.precondition(shat, sv)
		if err = s.m.apply(shat, t); err != nil {
			return err
		}
		tt, err := s.dot(t, t)
		if err != nil {
			return err
		}
		ts, err := s.dot(t, sv)
		if err != nil {
			return err
		}
		omega = 0
		if tt != 0 {
			omega = ts / tt
		}
		floats.AddScaled(x, alpha, phat)
		floats.AddScaled(x, omega, shat)
		floats.AddScaledTo(r, sv, -omega, t)
		s.iters++
		nrm, err := s.norm(r)
		if err != nil {
			return err
		}
		if s.monitor(nrm) {
			return nil
		}
	}
	if s.cfg.MonitorResidual {
		s.status = SolveFailed
	}
	return nil
}

func (s *Solver) report() {
	if s.rsrc.Comm.Rank() != 0 {
		return
	}
	if s.cfg.PrintSolveStats {
		klog.Infof("%s/%s %s: %d iterations, residual %.6e -> %.6e",
			s.cfg.Solver, s.cfg.Preconditioner, s.status, s.iters, s.history[0], s.history[len(s.history)-1])
		if s.cfg.StoreResHistory {
			for i, r := range s.history {
				klog.V(1).Infof("  iter %4d  residual %.6e", i, r)
			}
		}
	}
	if s.cfg.ObtainTimings {
		klog.Infof("solve: %v", s.solveTime)
	}
}

// Iterations is the iteration count of the last solve
func (s *Solver) Iterations() int { return s.iters }

// Status is the outcome of the last solve
func (s *Solver) Status() SolveStatus { return s.status }

// IterationResidual returns the residual norm after iteration i; index 0 is
// the initial residual. Without store_res_history only the final residual
// is available.
func (s *Solver) IterationResidual(i int) (float64, error) {
	if len(s.history) == 0 {
		return 0, errs.Configf("no solve has run")
	}
	last := len(s.history) - 1
	if i < 0 || i > last {
		return 0, errs.Configf("iteration %d outside [0, %d]", i, last)
	}
	if !s.cfg.StoreResHistory && i != last {
		return 0, errs.Configf("residual history is not stored, only iteration %d is available", last)
	}
	return s.history[i], nil
}

// Destroy drops the solver state
func (s *Solver) Destroy() {
	s.m, s.invDiag, s.history = nil, nil, nil
}
