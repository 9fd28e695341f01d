// Package solver is the public facade: an AmgXSolver session partitions the
// job's ranks over the node's devices, moves the application matrix onto the
// device owners and drives the solver library handles through
// setA, updateA and solve.
package solver

import (
	"github.com/notargets/AmgXGo/amgx"
	"github.com/notargets/AmgXGo/comm"
	"github.com/notargets/AmgXGo/consolidate"
	"github.com/notargets/AmgXGo/device"
	"github.com/notargets/AmgXGo/errs"
	"github.com/notargets/AmgXGo/matrix"
	"github.com/notargets/AmgXGo/partitions"
	"github.com/notargets/AmgXGo/redistribute"
	"github.com/notargets/AmgXGo/topology"
	"k8s.io/klog/v2"
)

// State of a session
type State uint8

const (
	Created State = iota
	Initialized
	Ready
	Finalized
)

func (s State) String() string {
	switch s {
	case Initialized:
		return "Initialized"
	case Ready:
		return "Ready"
	case Finalized:
		return "Finalized"
	}
	return "Created"
}

// Options configures a session before Initialize
type Options struct {
	// DevicesPerNode caps the devices used on each node, zero uses all
	DevicesPerNode int
	Policy         topology.AssignmentPolicy
	// Runtime discovers and opens devices, CUDA through OCCA by default
	Runtime device.Runtime
	// Process holds the shared resource context, amgx.DefaultProcess by
	// default
	Process *amgx.Process
}

type setAPath uint8

const (
	noPath setAPath = iota
	matrixPath
	rawPath
)

// AmgXSolver is one solver session. Every method except the queries is
// collective over the communicator given to Initialize.
type AmgXSolver struct {
	opts  Options
	state State
	topo  *topology.RankTopology
	bind  *topology.DeviceBinding
	mode  amgx.Mode

	// Library handles, owners only
	rsrc   *amgx.Resources
	cfg    *amgx.Config
	A      *amgx.Matrix
	p, rhs *amgx.Vector
	solver *amgx.Solver

	path setAPath
	// Caller block shape at the last setA
	nLocalRows, nLocalNZ int

	// Matrix path: original to device layout for vectors and coefficients
	scatter  *partitions.ScatterMap
	values   *partitions.ScatterMap
	nDevRows int

	// Raw path
	engine *consolidate.Engine
}

// New creates a session in the Created state
func New(opts Options) *AmgXSolver {
	return &AmgXSolver{opts: opts}
}

// State reports the lifecycle state
func (s *AmgXSolver) State() State { return s.state }

// Topology is the rank layout found by Initialize
func (s *AmgXSolver) Topology() *topology.RankTopology { return s.topo }

func (s *AmgXSolver) usable(phase string) error {
	switch {
	case s.state == Finalized:
		return errs.At(errs.Configf("session is finalized"), phase, "state")
	case s.state == Created:
		return errs.At(errs.Configf("session is not initialized"), phase, "state")
	case phase != "setA" && s.state != Ready:
		return errs.At(errs.Configf("%s before setA", phase), phase, "state")
	}
	return nil
}

// Initialize partitions global over the devices, binds this rank's device,
// and on device owners acquires the shared resource context and creates the
// solver handles from configFile.
func (s *AmgXSolver) Initialize(global comm.Communicator, mode, configFile string) error {
	const phase = "initialize"
	if s.state != Created {
		return errs.At(errs.Configf("session is already %s", s.state), phase, "state")
	}
	if s.opts.Runtime == nil {
		s.opts.Runtime = device.NewOCCARuntime("CUDA")
	}
	if s.opts.Process == nil {
		s.opts.Process = amgx.DefaultProcess()
	}

	m, err := amgx.ParseMode(mode)
	if err != nil {
		return errs.At(err, phase, "parse mode")
	}
	s.mode = m

	if s.topo, err = topology.Partition(global, s.opts.DevicesPerNode, s.opts.Runtime, s.opts.Policy); err != nil {
		return errs.At(err, phase, "partition communicators")
	}

	op := "bind device"
	s.bind, err = topology.Bind(s.topo, s.opts.Runtime)
	if err == nil {
		op = "load config"
		if s.cfg, err = amgx.LoadConfig(configFile); err == nil {
			err = s.cfg.AddParameters("exception_handling=1")
		}
	}
	if err == nil && s.topo.IsOwner() {
		op = "create handles"
		err = s.createHandles()
	}
	if err = comm.Agree(global, err); err != nil {
		s.destroyHandles()
		return errs.At(err, phase, op)
	}
	s.state = Initialized
	if s.topo.GlobalRank == 0 {
		klog.V(1).Infof("AmgXSolver initialized: %d ranks on %d device owner(s), mode %s, policy %s",
			s.topo.GlobalSize, s.topo.GPUSize, s.mode, s.topo.Policy)
	}
	return nil
}

func (s *AmgXSolver) createHandles() error {
	rsrc, err := s.opts.Process.Acquire(s.topo.GPU, s.bind.Context)
	if err != nil {
		return err
	}
	s.rsrc = rsrc
	s.A = amgx.NewMatrix(rsrc, s.mode)
	s.p = amgx.NewVector(rsrc, s.mode, "p")
	s.rhs = amgx.NewVector(rsrc, s.mode, "rhs")
	s.solver, err = amgx.NewSolver(rsrc, s.mode, s.cfg)
	return err
}

// destroyHandles releases the handles in reverse order of creation
func (s *AmgXSolver) destroyHandles() {
	if s.solver != nil {
		s.solver.Destroy()
		s.solver = nil
	}
	for _, v := range []*amgx.Vector{s.rhs, s.p} {
		if v != nil {
			v.Destroy()
		}
	}
	s.p, s.rhs = nil, nil
	if s.A != nil {
		s.A.Destroy()
		s.A = nil
	}
	if s.rsrc != nil {
		s.rsrc.Release()
		s.rsrc = nil
	}
}

// SetA uploads the distributed matrix A. The rows of every device group are
// gathered onto its owner, unless each device has one rank, in which case A
// is used in place.
func (s *AmgXSolver) SetA(A *matrix.DistMatrix) error {
	const phase = "setA"
	if err := s.usable(phase); err != nil {
		return err
	}
	global := s.topo.Global
	nGlobal, _ := A.GlobalSize()

	set, err := redistribute.GetDeviceIndexSet(A, s.topo)
	if err = comm.Agree(global, err); err != nil {
		return errs.At(err, phase, "device index set")
	}
	local, err := redistribute.GetLocalMatrix(A, set, s.topo)
	if err = comm.Agree(global, err); err != nil {
		return errs.At(err, phase, "redistribute matrix")
	}
	defer redistribute.DestroyLocalMatrix(A, local)

	raw, err := redistribute.ExtractRawCSR(local)
	if err = comm.Agree(global, err); err != nil {
		return errs.At(err, phase, "extract local matrix")
	}
	scatter, err := redistribute.BuildVectorScatter(A, local)
	if err = comm.Agree(global, err); err != nil {
		return errs.At(err, phase, "vector scatter")
	}
	values, err := redistribute.BuildValueScatter(A, local)
	if err = comm.Agree(global, err); err != nil {
		return errs.At(err, phase, "coefficient scatter")
	}

	op := "upload matrix"
	if s.topo.IsOwner() {
		pd, derr := partitions.Describe(set, nGlobal, s.topo.GPU)
		if derr != nil {
			op, err = "describe partitions", derr
		} else {
			op, err = s.upload(func() error {
				return s.A.UploadDistributed(nGlobal, raw.NumRows(), raw.NNZ(), raw.RowPtr, raw.Cols, raw.Vals, pd)
			})
		}
	}
	if err = s.settle(err); err != nil {
		return errs.At(err, phase, op)
	}

	s.freeSetA()
	s.path = matrixPath
	s.nLocalRows, s.nLocalNZ = A.LocalRows(), A.LocalNNZ()
	s.scatter, s.values, s.nDevRows = scatter, values, local.LocalRows()
	s.state = Ready
	return nil
}

// SetARaw uploads a CSR block given as raw arrays with global column ids.
// The blocks of ranks sharing a device are consolidated onto the owner.
// partVec assigns every global row to a device owner (gpuWorld rank); nil
// means each rank owns a contiguous row range in rank order.
func (s *AmgXSolver) SetARaw(nGlobalRows, nLocalRows, nLocalNZ int, rowOffsets []int, cols []int64,
	vals []float64, partVec []int) error {
	const phase = "setA"
	if err := s.usable(phase); err != nil {
		return err
	}
	global := s.topo.Global

	engine := consolidate.NewEngine(s.topo.Dev)
	err := engine.Consolidate(nLocalRows, nLocalNZ, rowOffsets, cols, vals)
	if err = comm.Agree(global, err); err != nil {
		return errs.At(err, phase, "consolidate")
	}

	var set partitions.IndexSet
	if partVec == nil {
		if set, err = s.contiguousRows(nLocalRows); err != nil {
			return errs.At(err, phase, "row layout")
		}
	}

	op := "upload matrix"
	if s.topo.IsOwner() {
		nRows, nnz := engine.NumRows(), engine.NNZ()
		if partVec != nil {
			op, err = s.upload(func() error {
				return s.A.UploadAllGlobal(nGlobalRows, nRows, nnz, engine.RowOffsets, engine.Cols, engine.Vals, partVec)
			})
		} else if pd, derr := partitions.Describe(set, nGlobalRows, s.topo.GPU); derr != nil {
			op, err = "describe partitions", derr
		} else {
			op, err = s.upload(func() error {
				return s.A.UploadDistributed(nGlobalRows, nRows, nnz, engine.RowOffsets, engine.Cols, engine.Vals, pd)
			})
		}
		engine.FreeStructure()
	}
	if err = s.settle(err); err != nil {
		return errs.At(err, phase, op)
	}

	s.freeSetA()
	s.path = rawPath
	s.nLocalRows, s.nLocalNZ = nLocalRows, nLocalNZ
	s.engine = engine
	s.state = Ready
	return nil
}

// contiguousRows returns the rows of this rank's device group when every
// rank owns [prefix, prefix+nLocalRows). Only the owner gets a non-empty set.
func (s *AmgXSolver) contiguousRows(nLocalRows int) (partitions.IndexSet, error) {
	counts, err := comm.AllgatherInts(s.topo.Global, nLocalRows)
	if err != nil {
		return partitions.IndexSet{}, err
	}
	lo := 0
	for r := 0; r < s.topo.GlobalRank; r++ {
		lo += counts[r]
	}
	parts, err := comm.Gatherv(s.topo.Dev, 0, []float64{float64(lo), float64(lo + nLocalRows)})
	if err != nil || !s.topo.IsOwner() {
		return partitions.IndexSet{}, err
	}
	var rows []int
	for _, p := range parts {
		for r := int(p[0]); r < int(p[1]); r++ {
			rows = append(rows, r)
		}
	}
	return partitions.NewIndexSet(rows), nil
}

// upload runs the owner side of setA between gpuWorld barriers and returns
// the name of the step that failed
func (s *AmgXSolver) upload(load func() error) (string, error) {
	gpu := s.topo.GPU
	if err := gpu.Barrier(); err != nil {
		return "barrier", err
	}
	if err := load(); err != nil {
		return "upload matrix", err
	}
	if err := gpu.Barrier(); err != nil {
		return "barrier", err
	}
	if err := s.solver.Setup(s.A); err != nil {
		return "solver setup", err
	}
	for _, v := range []*amgx.Vector{s.p, s.rhs} {
		if err := v.Bind(s.A); err != nil {
			return "bind vector", err
		}
	}
	return "", nil
}

// settle turns an owner-side outcome into a job-wide one and waits for
// every rank
func (s *AmgXSolver) settle(err error) error {
	if err = comm.Agree(s.topo.Global, err); err != nil {
		return err
	}
	return s.topo.Global.Barrier()
}

func (s *AmgXSolver) freeSetA() {
	if s.engine != nil {
		s.engine.Free()
		s.engine = nil
	}
	s.scatter, s.values = nil, nil
}

// UpdateA replaces the coefficients of the last setA. The block shape must
// match that setA on every rank; a mismatch is a StructuralMismatch error on
// the offending rank and a PartialFailure elsewhere, and changes nothing.
func (s *AmgXSolver) UpdateA(nLocalRows, nLocalNZ int, vals []float64) error {
	const phase = "updateA"
	if err := s.usable(phase); err != nil {
		return err
	}
	global := s.topo.Global

	var (
		devVals []float64
		err     error
	)
	switch s.path {
	case rawPath:
		err = s.engine.Reconsolidate(nLocalRows, nLocalNZ, vals)
		err = comm.Agree(global, err)
		devVals = s.engine.Vals
	case matrixPath:
		switch {
		case nLocalRows != s.nLocalRows || nLocalNZ != s.nLocalNZ:
			err = errs.Mismatchf("%d rows, %d nonzeros; setA had %d rows, %d nonzeros",
				nLocalRows, nLocalNZ, s.nLocalRows, s.nLocalNZ)
		case len(vals) != nLocalNZ:
			err = errs.Mismatchf("%d values for %d nonzeros", len(vals), nLocalNZ)
		}
		if err = comm.Agree(global, err); err == nil {
			devVals = make([]float64, s.values.NumRedistributed)
			err = s.values.Forward(vals, devVals)
		}
	}
	if err != nil {
		return errs.At(err, phase, "refresh values")
	}

	op := ""
	if s.topo.IsOwner() {
		op, err = s.replace(devVals)
	}
	if err = s.settle(err); err != nil {
		return errs.At(err, phase, op)
	}
	return nil
}

func (s *AmgXSolver) replace(vals []float64) (string, error) {
	gpu := s.topo.GPU
	if err := gpu.Barrier(); err != nil {
		return "barrier", err
	}
	if err := s.A.ReplaceCoefficients(s.A.NumRows(), len(vals), vals); err != nil {
		return "replace coefficients", err
	}
	if err := gpu.Barrier(); err != nil {
		return "barrier", err
	}
	if err := s.solver.Resetup(s.A); err != nil {
		return "solver resetup", err
	}
	return "", nil
}

// Solve solves A x = b. x is the initial guess and receives the solution.
func (s *AmgXSolver) Solve(x, b *matrix.Vector) error {
	const phase = "solve"
	if err := s.usable(phase); err != nil {
		return err
	}
	xb, err := x.BorrowArray()
	if err != nil {
		return errs.At(err, phase, "borrow solution")
	}
	defer xb.Release()
	bb, err := b.BorrowArray()
	if err != nil {
		return errs.At(err, phase, "borrow rhs")
	}
	defer bb.Release()

	if s.path == rawPath {
		return s.solveRaw(xb.Data, bb.Data, len(xb.Data))
	}

	var errLocal error
	if len(xb.Data) != s.scatter.NumOriginal || len(bb.Data) != s.scatter.NumOriginal {
		errLocal = errs.Mismatchf("vectors of %d and %d rows for a matrix of %d local rows",
			len(xb.Data), len(bb.Data), s.scatter.NumOriginal)
	}
	if err = comm.Agree(s.topo.Global, errLocal); err != nil {
		return errs.At(err, phase, "vector layout")
	}
	devX := make([]float64, s.nDevRows)
	devB := make([]float64, s.nDevRows)
	if err = s.scatter.Forward(bb.Data, devB); err != nil {
		return errs.At(err, phase, "scatter rhs")
	}
	if err = s.scatter.Forward(xb.Data, devX); err != nil {
		return errs.At(err, phase, "scatter initial guess")
	}

	op := ""
	if s.topo.IsOwner() {
		op, err = s.deviceSolve(devX, devB)
	}
	if err = comm.Agree(s.topo.Global, err); err != nil {
		return errs.At(err, phase, op)
	}
	if err = s.scatter.Reverse(devX, xb.Data); err != nil {
		return errs.At(err, phase, "scatter solution")
	}
	return nil
}

// SolveRaw solves with raw arrays laid out like the block given to SetARaw.
// p is the initial guess and receives the solution.
func (s *AmgXSolver) SolveRaw(p, b []float64, nRows int) error {
	if err := s.usable("solve"); err != nil {
		return err
	}
	return s.solveRaw(p, b, nRows)
}

func (s *AmgXSolver) solveRaw(p, b []float64, nRows int) error {
	const phase = "solve"
	var err error
	switch {
	case s.path != rawPath:
		err = errs.Configf("raw solve after a matrix setA")
	case nRows != s.nLocalRows || len(p) < nRows || len(b) < nRows:
		err = errs.Mismatchf("%d rows (arrays of %d and %d) for a block of %d rows",
			nRows, len(p), len(b), s.nLocalRows)
	}
	if err = comm.Agree(s.topo.Global, err); err != nil {
		return errs.At(err, phase, "vector layout")
	}
	consP, err := s.engine.GatherVector(p[:nRows])
	if err != nil {
		return errs.At(err, phase, "gather initial guess")
	}
	consB, err := s.engine.GatherVector(b[:nRows])
	if err != nil {
		return errs.At(err, phase, "gather rhs")
	}
	op := ""
	if s.topo.IsOwner() {
		op, err = s.deviceSolve(consP, consB)
	}
	if err = comm.Agree(s.topo.Global, err); err != nil {
		return errs.At(err, phase, op)
	}
	if err = s.engine.ScatterVector(consP, p[:nRows]); err != nil {
		return errs.At(err, phase, "scatter solution")
	}
	return nil
}

// deviceSolve runs the library solve on an owner; x is overwritten
func (s *AmgXSolver) deviceSolve(x, b []float64) (string, error) {
	if err := s.rhs.Upload(len(b), b); err != nil {
		return "upload rhs", err
	}
	if err := s.p.Upload(len(x), x); err != nil {
		return "upload initial guess", err
	}
	if err := s.solver.Solve(s.rhs, s.p); err != nil {
		return "solver solve", err
	}
	if err := s.p.Download(x); err != nil {
		return "download solution", err
	}
	if st := s.solver.Status(); st != amgx.SolveSuccess && s.topo.GlobalRank == 0 {
		klog.Warningf("AmgX solve %s after %d iterations", st, s.solver.Iterations())
	}
	return "", nil
}

// GetIters is the iteration count of the last solve on device owners, zero
// elsewhere
func (s *AmgXSolver) GetIters() int {
	if s.solver == nil {
		return 0
	}
	return s.solver.Iterations()
}

// GetResidual is the residual norm after iteration iter of the last solve
// on device owners, zero elsewhere
func (s *AmgXSolver) GetResidual(iter int) (float64, error) {
	if s.solver == nil {
		return 0, nil
	}
	r, err := s.solver.IterationResidual(iter)
	return r, errs.At(err, "solve", "iteration residual")
}

// Status of the last solve on device owners
func (s *AmgXSolver) Status() amgx.SolveStatus {
	if s.solver == nil {
		return amgx.SolveSuccess
	}
	return s.solver.Status()
}

// GetMemUsage is the storage held by this rank's library handles
func (s *AmgXSolver) GetMemUsage() int64 {
	if s.A == nil {
		return 0
	}
	return s.A.Bytes() + s.p.Bytes() + s.rhs.Bytes()
}

// Finalize destroys the handles and releases the shared resource context.
// It is safe to call more than once and on a session that never finished
// initializing.
func (s *AmgXSolver) Finalize() error {
	if s.state == Finalized {
		return nil
	}
	s.destroyHandles()
	s.freeSetA()
	s.path = noPath
	s.state = Finalized
	if s.topo != nil && s.topo.GlobalRank == 0 {
		klog.V(1).Infof("AmgXSolver finalized")
	}
	return nil
}
