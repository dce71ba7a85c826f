package wasmtool

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anumate/control-plane/pkg/errs"
	"github.com/anumate/control-plane/pkg/toolproto"
)

func TestEngine_UnknownToolNotFound(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(ctx, NewStaticResolver(), Config{})
	require.NoError(t, err)
	defer engine.Close()

	_, err = engine.Call(ctx, toolproto.CallParams{Tool: "missing"})
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindNotFound))
}

func TestEngine_RejectsInvalidModule(t *testing.T) {
	ctx := context.Background()
	resolver := NewStaticResolver()
	resolver.Register("broken", []byte("not a wasm binary"))

	engine, err := NewEngine(ctx, resolver, Config{})
	require.NoError(t, err)
	defer engine.Close()

	_, err = engine.Call(ctx, toolproto.CallParams{Tool: "broken"})
	require.Error(t, err)
	assert.Equal(t, "WASM_COMPILE_FAILED", errs.CodeOf(err))
}

func TestStaticResolver(t *testing.T) {
	resolver := NewStaticResolver()
	resolver.Register("echo", []byte{0x00, 0x61, 0x73, 0x6d})

	wasm, err := resolver.Resolve(context.Background(), "echo")
	require.NoError(t, err)
	assert.Len(t, wasm, 4)
}
