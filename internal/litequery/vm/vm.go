// Package vm runs run_smc_method's sandboxed, read-only get-methods: a
// compiled wasm module is given the caller's argument stack through
// host_read_stack and a gas meter, but no host_write — a get method can
// never mutate state (§4.9 "run_smc_method ... is read-only"). The
// resolved shard-state cell is kept in the host context; no host function
// exposes it to the module.
//
// Grounded on core/virtual_machine.go's HeavyVM/registerHost (the
// wasmer.Engine/Store/Module/Instance/ImportObject wiring and the
// host-function exports under "env"), trimmed of
// host_write and of the multi-VM-tier dispatch (SelectVM/LightVM) since
// a lite-query get-method always runs the wasm tier.
package vm

import (
	"context"
	"errors"
	"fmt"

	"github.com/wasmerio/wasmer-go/wasmer"

	"chainarchive/internal/archerr"
	"chainarchive/internal/cell"
	"chainarchive/internal/litequery"
	"chainarchive/internal/types"
)

// GasMeter tracks wasm-op gas consumption and enforces a hard limit,
// mirroring core/virtual_machine.go's GasMeter.
type GasMeter struct {
	used  uint64
	limit uint64
}

// NewGasMeter builds a meter that allows up to limit gas units.
func NewGasMeter(limit uint64) *GasMeter { return &GasMeter{limit: limit} }

// Consume charges cost gas units, failing once the limit is exceeded.
func (g *GasMeter) Consume(cost uint64) error {
	if g.used+cost > g.limit {
		return archerr.Wrap(archerr.ErrProtocolViolation, "vm: out of gas")
	}
	g.used += cost
	return nil
}

// Remaining reports unconsumed gas.
func (g *GasMeter) Remaining() uint64 { return g.limit - g.used }

// CodeResolver returns the compiled get-method wasm bytes to run for
// (account, methodID), e.g. looked up from the account's code cell.
type CodeResolver func(account types.AccountID, methodID int32) ([]byte, error)

// Runner implements litequery.MethodRunner with a wasmer-go sandbox.
type Runner struct {
	engine   *wasmer.Engine
	resolve  CodeResolver
	gasLimit uint64
}

// New builds a Runner with a fresh wasmer engine, resolving get-method
// code via resolve and capping each call at gasLimit gas units.
func New(resolve CodeResolver, gasLimit uint64) *Runner {
	if gasLimit == 0 {
		gasLimit = 1_000_000
	}
	return &Runner{engine: wasmer.NewEngine(), resolve: resolve, gasLimit: gasLimit}
}

// hostCtx is the state threaded through the wasm module's host imports.
type hostCtx struct {
	mem   *wasmer.Memory
	cells *cell.Cell
	gas   *GasMeter
	stack []byte
	out   []byte
}

// Run compiles and executes the get-method for (account, methodID),
// feeding stack to the module via host_read_stack and collecting whatever
// it writes via host_write_result as the result stack. state is held in
// the host context but not readable by the module.
func (r *Runner) Run(ctx context.Context, state *cell.Cell, account types.AccountID, methodID int32, stack []byte) (litequery.RunSMCResult, error) {
	select {
	case <-ctx.Done():
		return litequery.RunSMCResult{}, archerr.Wrap(archerr.ErrTimeout, "vm: run_smc_method deadline exceeded")
	default:
	}

	code, err := r.resolve(account, methodID)
	if err != nil {
		return litequery.RunSMCResult{}, archerr.Wrap(err, "vm: resolve get-method code")
	}

	store := wasmer.NewStore(r.engine)
	mod, err := wasmer.NewModule(store, code)
	if err != nil {
		return litequery.RunSMCResult{}, archerr.Wrap(err, "vm: compile module")
	}

	hctx := &hostCtx{cells: state, gas: NewGasMeter(r.gasLimit), stack: stack}
	imports := r.registerHost(store, hctx)

	instance, err := wasmer.NewInstance(mod, imports)
	if err != nil {
		return litequery.RunSMCResult{}, archerr.Wrap(err, "vm: instantiate module")
	}

	mem, err := instance.Exports.GetMemory("memory")
	if err != nil {
		return litequery.RunSMCResult{}, archerr.Wrap(archerr.ErrProtocolViolation, "vm: wasm memory export missing")
	}
	hctx.mem = mem

	run, err := instance.Exports.GetFunction("run_get_method")
	if err != nil {
		return litequery.RunSMCResult{}, archerr.Wrap(archerr.ErrProtocolViolation, "vm: run_get_method export missing")
	}
	if _, err := run(); err != nil {
		return litequery.RunSMCResult{ExitCode: -1}, nil
	}
	return litequery.RunSMCResult{ExitCode: 0, Stack: hctx.out}, nil
}

// registerHost exposes host_consume_gas, host_read_stack (copies the
// supplied argument stack into wasm memory and returns its length), and
// host_write_result (the method's declared result, collected into
// hctx.out) under the "env" namespace. No host function reads the state
// cell. There is no host_write: get-methods cannot mutate state.
func (r *Runner) registerHost(store *wasmer.Store, h *hostCtx) *wasmer.ImportObject {
	imports := wasmer.NewImportObject()

	read := func(ptr, ln int32) []byte {
		if ptr < 0 || ln < 0 {
			return nil
		}
		data := h.mem.Data()
		end := int(ptr) + int(ln)
		if end > len(data) {
			end = len(data)
		}
		out := make([]byte, end-int(ptr))
		copy(out, data[ptr:end])
		return out
	}
	write := func(ptr int32, data []byte) {
		copy(h.mem.Data()[ptr:], data)
	}

	hostConsumeGas := wasmer.NewFunction(
		store,
		wasmer.NewFunctionType(
			wasmer.NewValueTypes(wasmer.I32),
			wasmer.NewValueTypes(wasmer.I32),
		),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			cost := uint64(args[0].I32())
			if err := h.gas.Consume(cost); err != nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			return []wasmer.Value{wasmer.NewI32(0)}, nil
		},
	)

	hostReadStack := wasmer.NewFunction(
		store,
		wasmer.NewFunctionType(
			wasmer.NewValueTypes(wasmer.I32),
			wasmer.NewValueTypes(wasmer.I32),
		),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			dPtr := args[0].I32()
			write(dPtr, h.stack)
			return []wasmer.Value{wasmer.NewI32(int32(len(h.stack)))}, nil
		},
	)

	hostWriteResult := wasmer.NewFunction(
		store,
		wasmer.NewFunctionType(
			wasmer.NewValueTypes(wasmer.I32, wasmer.I32),
			wasmer.NewValueTypes(),
		),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			p, l := args[0].I32(), args[1].I32()
			h.out = read(p, l)
			return nil, nil
		},
	)

	imports.Register("env", map[string]wasmer.IntoExtern{
		"host_consume_gas":  hostConsumeGas,
		"host_read_stack":   hostReadStack,
		"host_write_result": hostWriteResult,
	})
	return imports
}

var errNoCode = errors.New("vm: no get-method code registered")

// StaticResolver is the simplest CodeResolver: a fixed map of account to
// {methodID: wasm bytes}, suitable for tests and for a daemon that loads
// get-method code once at startup from the static-files directory.
type StaticResolver map[types.AccountID]map[int32][]byte

// Resolve implements CodeResolver.
func (s StaticResolver) Resolve(account types.AccountID, methodID int32) ([]byte, error) {
	methods, ok := s[account]
	if !ok {
		return nil, fmt.Errorf("%w: account %x", errNoCode, account[:8])
	}
	code, ok := methods[methodID]
	if !ok {
		return nil, fmt.Errorf("%w: account %x method %d", errNoCode, account[:8], methodID)
	}
	return code, nil
}
