package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	celtypes "github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"pulse/internal/constants"
	"pulse/internal/logger"
)

// maxFetchBody bounds how much of a fetch response a plugin can pull into
// memory.
const maxFetchBody = 1 << 20

// KV is the per-tenant cache surface exposed to plugins.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// CaptureFunc re-ingests an event on behalf of the plugin's tenant.
// Returning ErrCaptureUnavailable makes the binding report false instead of
// failing the hook; left nil the binding always reports false.
type CaptureFunc func(ctx context.Context, eventName string, properties map[string]interface{}) error

// ErrCaptureUnavailable marks a tenant that cannot accept re-ingested
// events, typically because it has no API token.
var ErrCaptureUnavailable = errors.New("capture unavailable for tenant")

// Capabilities is the complete host surface reachable from plugin code.
// Anything not listed here does not exist from the plugin's point of view.
type Capabilities struct {
	HTTPClient    *http.Client
	FetchLimiter  *rate.Limiter
	Cache         KV
	CacheScope    string
	Capture       CaptureFunc
	Logger        logger.Logger
	InvokeTimeout time.Duration
}

func (r *Runtime) fetchBinding(arg ref.Val) ref.Val {
	url, ok := arg.Value().(string)
	if !ok {
		return celtypes.NewErr("fetch: url must be a string")
	}

	ctx := r.callCtx()
	if r.caps.FetchLimiter != nil {
		if err := r.caps.FetchLimiter.Wait(ctx); err != nil {
			return celtypes.NewErr("fetch: %v", err)
		}
	}

	client := r.caps.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: constants.DefaultHTTPTimeout}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return celtypes.NewErr("fetch: %v", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return celtypes.NewErr("fetch: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBody))
	if err != nil {
		return celtypes.NewErr("fetch: %v", err)
	}

	result := map[string]interface{}{
		"status": int64(resp.StatusCode),
	}
	var parsed interface{}
	if json.Unmarshal(body, &parsed) == nil {
		result["body"] = parsed
	} else {
		result["body"] = string(body)
	}
	return r.adapter.NativeToValue(result)
}

func (r *Runtime) logBinding(arg ref.Val) ref.Val {
	r.caps.Logger.InfowCtx(r.callCtx(), "Plugin log",
		"message", fmt.Sprintf("%v", arg.Value()),
		"scope", r.caps.CacheScope,
	)
	return celtypes.True
}

func (r *Runtime) cacheGetBinding(arg ref.Val) ref.Val {
	key, ok := arg.Value().(string)
	if !ok {
		return celtypes.NewErr("cacheGet: key must be a string")
	}
	if r.caps.Cache == nil {
		return celtypes.String("")
	}

	val, err := r.caps.Cache.Get(r.callCtx(), r.cacheKey(key))
	if err != nil {
		return celtypes.NewErr("cacheGet: %v", err)
	}
	return celtypes.String(val)
}

func (r *Runtime) cacheSetBinding(args ...ref.Val) ref.Val {
	if len(args) != 3 {
		return celtypes.NewErr("cacheSet: expected key, value, ttl seconds")
	}
	key, ok := args[0].Value().(string)
	if !ok {
		return celtypes.NewErr("cacheSet: key must be a string")
	}
	ttlSec, ok := args[2].Value().(int64)
	if !ok {
		return celtypes.NewErr("cacheSet: ttl must be an int")
	}
	if r.caps.Cache == nil {
		return celtypes.False
	}

	value := fmt.Sprintf("%v", args[1].Value())
	err := r.caps.Cache.Set(r.callCtx(), r.cacheKey(key), value, time.Duration(ttlSec)*time.Second)
	if err != nil {
		return celtypes.NewErr("cacheSet: %v", err)
	}
	return celtypes.True
}

func (r *Runtime) captureBinding(nameVal, propsVal ref.Val) ref.Val {
	if r.caps.Capture == nil {
		return celtypes.False
	}
	name, ok := nameVal.Value().(string)
	if !ok {
		return celtypes.NewErr("capture: event name must be a string")
	}
	native, err := propsVal.ConvertToNative(propsGoType)
	if err != nil {
		return celtypes.NewErr("capture: properties must be a map: %v", err)
	}

	if err := r.caps.Capture(r.callCtx(), name, native.(map[string]interface{})); err != nil {
		if errors.Is(err, ErrCaptureUnavailable) {
			return celtypes.False
		}
		return celtypes.NewErr("capture: %v", err)
	}
	return celtypes.True
}

func (r *Runtime) cacheKey(key string) string {
	return constants.CacheKeyPrefixPluginCache + r.caps.CacheScope + ":" + key
}
