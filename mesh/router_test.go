package mesh

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func handlerReturning(status int) Handler {
	return func(ctx *Context) int { return status }
}

func newCtxGET(path string) *Context {
	ctx := NewContext()
	ctx.Method = "GET"
	ctx.SetURL(path)
	return ctx
}

func TestRouterStaticMatch(t *testing.T) {
	r := NewRouter()
	require.NoError(t, r.Run(MethodGET, "/healthz", handlerReturning(200), nil))

	ctx := newCtxGET("/healthz")
	assert.Equal(t, 200, r.Process(ctx))
}

func TestRouterNoMatchFallsThrough(t *testing.T) {
	r := NewRouter()
	require.NoError(t, r.Run(MethodGET, "/healthz", handlerReturning(200), nil))

	ctx := newCtxGET("/nope")
	assert.Equal(t, 0, r.Process(ctx))
}

func TestRouterStringCapture(t *testing.T) {
	r := NewRouter()
	require.NoError(t, r.Run(MethodGET, "/users/<name>", handlerReturning(200), nil))

	ctx := newCtxGET("/users/alice")
	assert.Equal(t, 200, r.Process(ctx))
	v, ok := ctx.Param("name")
	assert.True(t, ok)
	assert.Equal(t, "alice", v)
}

func TestRouterIntCaptureRejectsNonDigits(t *testing.T) {
	r := NewRouter()
	require.NoError(t, r.Run(MethodGET, "/items/<int:id>", handlerReturning(200), nil))

	ctx := newCtxGET("/items/42")
	assert.Equal(t, 200, r.Process(ctx))
	n, ok := ctx.ParamInt("id")
	assert.True(t, ok)
	assert.Equal(t, int64(42), n)

	ctx2 := newCtxGET("/items/abc")
	assert.Equal(t, 0, r.Process(ctx2))
}

func TestRouterPathCaptureConsumesRemainder(t *testing.T) {
	r := NewRouter()
	require.NoError(t, r.Run(MethodGET, "/files/<path:rest>", handlerReturning(200), nil))

	ctx := newCtxGET("/files/a/b/c.txt")
	assert.Equal(t, 200, r.Process(ctx))
	v, ok := ctx.Param("rest")
	assert.True(t, ok)
	assert.Equal(t, "a/b/c.txt", v)
}

func TestRouterStaticWinsOverParam(t *testing.T) {
	r := NewRouter()
	require.NoError(t, r.Run(MethodGET, "/users/me", handlerReturning(201), nil))
	require.NoError(t, r.Run(MethodGET, "/users/<name>", handlerReturning(200), nil))

	ctx := newCtxGET("/users/me")
	assert.Equal(t, 201, r.Process(ctx))

	ctx2 := newCtxGET("/users/bob")
	assert.Equal(t, 200, r.Process(ctx2))
}

func TestRouterTieBreakStringBeforeIntBeforePath(t *testing.T) {
	r := NewRouter()
	require.NoError(t, r.Run(MethodGET, "/x/<name>", handlerReturning(1), nil))
	require.NoError(t, r.Run(MethodGET, "/x/<int:id>", handlerReturning(2), nil))
	require.NoError(t, r.Run(MethodGET, "/x/<path:rest>", handlerReturning(3), nil))

	ctx := newCtxGET("/x/42")
	assert.Equal(t, 1, r.Process(ctx), "string capture should win even against an all-digit segment")
}

func TestRouterOpaquePassedToHandler(t *testing.T) {
	r := NewRouter()
	type marker struct{ n int }
	want := &marker{n: 7}
	var got any
	require.NoError(t, r.Run(MethodGET, "/opq", func(ctx *Context) int {
		got = ctx.Opaque()
		return 200
	}, want))

	ctx := newCtxGET("/opq")
	r.Process(ctx)
	assert.Same(t, want, got)
}

func TestRouterRewriteLiteralStatus(t *testing.T) {
	r := NewRouter()
	require.NoError(t, r.Register(MethodGET, "/gone", "410"))

	ctx := newCtxGET("/gone")
	assert.Equal(t, 410, r.Process(ctx))
}

func TestRouterRewriteDestinationWithCapture(t *testing.T) {
	r := NewRouter()
	require.NoError(t, r.Register(MethodGET, "/old/<id>", "/new/<id>"))
	require.NoError(t, r.Run(MethodGET, "/new/<id>", handlerReturning(200), nil))

	ctx := newCtxGET("/old/99")
	status := r.Process(ctx)
	assert.Equal(t, 0, status, "a non-literal rewrite reports 0 so the caller re-dispatches")
	assert.Equal(t, "/new/99", ctx.URL())

	status = r.Process(ctx)
	assert.Equal(t, 200, status)
}

func TestRouterDuplicateRegistrationIsIdempotent(t *testing.T) {
	r := NewRouter()
	require.NoError(t, r.Register(MethodGET, "/dup", "410"))
	assert.NoError(t, r.Register(MethodGET, "/dup", "410"))
}

func TestRouterConflictingRegistrationErrors(t *testing.T) {
	r := NewRouter()
	require.NoError(t, r.Register(MethodGET, "/dup", "410"))
	err := r.Register(MethodGET, "/dup", "420")
	assert.ErrorIs(t, err, ErrRouteConflict)
}

func TestRouterDuplicateCaptureNameRejected(t *testing.T) {
	r := NewRouter()
	err := r.Run(MethodGET, "/a/<id>/<id>", handlerReturning(200), nil)
	assert.ErrorIs(t, err, ErrDuplicateCapture)
}

func TestRouterQueryStringIgnoredForMatching(t *testing.T) {
	r := NewRouter()
	require.NoError(t, r.Run(MethodGET, "/search", handlerReturning(200), nil))

	ctx := newCtxGET("/search?q=go")
	assert.Equal(t, 200, r.Process(ctx))
	assert.True(t, ctx.HasQuery())
	assert.Equal(t, "q=go", ctx.QueryString())
}

func TestRouterMethodIsolation(t *testing.T) {
	r := NewRouter()
	require.NoError(t, r.Run(MethodGET, "/thing", handlerReturning(200), nil))

	ctx := NewContext()
	ctx.Method = "POST"
	ctx.SetURL("/thing")
	assert.Equal(t, 0, r.Process(ctx))
}

func TestRouterRoutesIntrospection(t *testing.T) {
	r := NewRouter()
	require.NoError(t, r.Run(MethodGET, "/a", handlerReturning(200), nil))
	require.NoError(t, r.Run(MethodGET, "/b/<id>", handlerReturning(200), nil))

	routes := r.Routes(MethodGET)
	assert.Contains(t, routes, "/a")
	assert.Contains(t, routes, "/b/<string:id>")
}
