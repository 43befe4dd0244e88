package sandbox

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	celtypes "github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"pulse/internal/constants"
	"pulse/internal/logger"
	pkgerrors "pulse/pkg/errors"
	"pulse/pkg/metrics"
)

var propsGoType = reflect.TypeOf(map[string]interface{}{})

// Runtime holds the compiled hook programs of one plugin config. Hooks run
// against four declared variables (event, properties, config, meta) and can
// only reach the host through the capability functions bound at compile
// time. Invocations are serialized per runtime.
type Runtime struct {
	programs map[string]cel.Program
	caps     Capabilities
	adapter  celtypes.Adapter

	mu  sync.Mutex
	ctx context.Context
}

// Compile builds a Runtime from normalized plugin source. Any parse or
// type-check failure fails the whole load; a runtime with zero hooks is
// treated the same way.
func Compile(source string, caps Capabilities) (*Runtime, error) {
	if caps.Logger == nil {
		caps.Logger = logger.NopLogger()
	}

	r := &Runtime{
		programs: make(map[string]cel.Program),
		caps:     caps,
		adapter:  celtypes.DefaultTypeAdapter,
	}

	env, err := cel.NewEnv(
		cel.Variable("event", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("properties", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("config", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("meta", cel.MapType(cel.StringType, cel.DynType)),
		cel.Function("fetch",
			cel.Overload("fetch_string",
				[]*cel.Type{cel.StringType},
				cel.MapType(cel.StringType, cel.DynType),
				cel.UnaryBinding(r.fetchBinding))),
		cel.Function("log",
			cel.Overload("log_dyn",
				[]*cel.Type{cel.DynType},
				cel.BoolType,
				cel.UnaryBinding(r.logBinding))),
		cel.Function("cacheGet",
			cel.Overload("cacheget_string",
				[]*cel.Type{cel.StringType},
				cel.StringType,
				cel.UnaryBinding(r.cacheGetBinding))),
		cel.Function("cacheSet",
			cel.Overload("cacheset_string_dyn_int",
				[]*cel.Type{cel.StringType, cel.DynType, cel.IntType},
				cel.BoolType,
				cel.FunctionBinding(r.cacheSetBinding))),
		cel.Function("capture",
			cel.Overload("capture_string_map",
				[]*cel.Type{cel.StringType, cel.MapType(cel.StringType, cel.DynType)},
				cel.BoolType,
				cel.BinaryBinding(r.captureBinding))),
	)
	if err != nil {
		return nil, pkgerrors.ErrPluginLoad.WithCause(err)
	}

	for name, text := range SplitHooks(source) {
		ast, issues := env.Compile(text)
		if issues != nil && issues.Err() != nil {
			return nil, pkgerrors.ErrPluginLoad.WithCause(issues.Err()).
				WithDetail("message", fmt.Sprintf("hook %s failed to compile", name))
		}
		program, err := env.Program(ast)
		if err != nil {
			return nil, pkgerrors.ErrPluginLoad.WithCause(err).
				WithDetail("message", fmt.Sprintf("hook %s failed to build", name))
		}
		r.programs[name] = program
	}

	if len(r.programs) == 0 {
		return nil, pkgerrors.ErrPluginLoad.WithDetail("message", "plugin source is empty")
	}
	return r, nil
}

// Implements reports whether the plugin defines the named hook.
func (r *Runtime) Implements(hook string) bool {
	_, ok := r.programs[hook]
	return ok
}

// Invoke runs one hook. The second return is false when the hook is not
// implemented, which callers treat as "nothing to do" rather than an error.
// Evaluation is bounded by the configured invoke timeout.
func (r *Runtime) Invoke(ctx context.Context, hook string, vars map[string]interface{}) (ref.Val, bool, error) {
	program, ok := r.programs[hook]
	if !ok {
		return nil, false, nil
	}

	if r.caps.InvokeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.caps.InvokeTimeout)
		defer cancel()
	}

	// Capability bindings read r.ctx on the evaluating goroutine, so the
	// lock is held across the whole evaluation.
	r.mu.Lock()
	r.ctx = ctx
	start := time.Now()
	out, _, err := program.ContextEval(ctx, vars)
	r.ctx = nil
	r.mu.Unlock()

	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.ObservePluginInvocation(hook, time.Since(start), status)

	if err != nil {
		return nil, true, fmt.Errorf("hook %s failed: %w", hook, err)
	}
	return out, true, nil
}

// ProcessEvent runs the processEvent hook and interprets its result: a CEL
// null drops the event, a map replaces the event's properties, and an
// unimplemented hook keeps the event untouched.
func (r *Runtime) ProcessEvent(ctx context.Context, vars map[string]interface{}) (map[string]interface{}, bool, error) {
	out, implemented, err := r.Invoke(ctx, constants.HookProcessEvent, vars)
	if err != nil {
		return nil, true, err
	}
	if !implemented {
		return nil, true, nil
	}
	return ToProperties(out)
}

// ToProperties converts a processEvent result. The second return is false
// when the plugin dropped the event.
func ToProperties(val ref.Val) (map[string]interface{}, bool, error) {
	if val == nil || val == celtypes.NullValue {
		return nil, false, nil
	}
	native, err := val.ConvertToNative(propsGoType)
	if err != nil {
		return nil, true, fmt.Errorf("processEvent must return null or a map: %w", err)
	}
	return native.(map[string]interface{}), true, nil
}

func (r *Runtime) callCtx() context.Context {
	if r.ctx != nil {
		return r.ctx
	}
	return context.Background()
}
