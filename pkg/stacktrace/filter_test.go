package stacktrace

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilter_Apply(t *testing.T) {
	f := NewFilter()

	tests := []struct {
		name   string
		frames []string
		want   []string
	}{
		{
			name:   "nil input",
			frames: nil,
			want:   nil,
		},
		{
			name: "strips junit and reflection frames",
			frames: []string{
				"at com.acme.CartTest.testTotal(CartTest.java:42)",
				"at sun.reflect.NativeMethodAccessorImpl.invoke0(Native Method)",
				"at java.lang.reflect.Method.invoke(Method.java:498)",
				"at org.junit.runners.model.FrameworkMethod$1.runReflectiveCall(FrameworkMethod.java:50)",
				"at com.acme.Cart.total(Cart.java:17)",
			},
			want: []string{
				"at com.acme.CartTest.testTotal(CartTest.java:42)",
				"at com.acme.Cart.total(Cart.java:17)",
			},
		},
		{
			name: "strips go runner frames",
			frames: []string{
				"github.com/acme/cart.TestTotal(0xc000102000)",
				"testing.tRunner(0xc000102000, 0x5f1e28)",
				"runtime.goexit()",
			},
			want: []string{
				"github.com/acme/cart.TestTotal(0xc000102000)",
			},
		},
		{
			name: "keeps first frame when everything is filtered",
			frames: []string{
				"at org.junit.Assert.fail(Assert.java:88)",
				"at org.junit.Assert.assertTrue(Assert.java:41)",
			},
			want: []string{"at org.junit.Assert.fail(Assert.java:88)"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, f.Apply(tt.frames))
		})
	}
}

func TestFilter_ExtraPatterns(t *testing.T) {
	f := NewFilter("com.acme.internal.")

	got := f.Apply([]string{
		"com.acme.CartTest.testTotal",
		"com.acme.internal.Harness.run",
		"org.junit.runner.JUnitCore.run",
	})

	assert.Equal(t, []string{"com.acme.CartTest.testTotal"}, got)
}

func TestFilter_WithoutDefaults(t *testing.T) {
	f := NewFilterWithPatterns([]string{"  ", "vendor."})

	assert.Equal(t, []string{"vendor."}, f.Patterns())
	assert.False(t, f.Matches("org.junit.Assert.fail"))
	assert.True(t, f.Matches("  at vendor.lib.Call"))
}

func TestFilter_DoesNotMutateInput(t *testing.T) {
	frames := []string{"org.junit.A", "com.acme.B"}

	_ = NewFilter().Apply(frames)

	assert.Equal(t, []string{"org.junit.A", "com.acme.B"}, frames)
}
