package render

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/accessprobe/scand/internal/scan"
)

func TestHeuristic_ShouldRender_EmptyBody(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)
	resp := scan.FetchResponse{
		StatusCode: 200,
		Body:       []byte(""),
	}
	require.True(t, h.ShouldRender(resp))
}

func TestHeuristic_ShouldRender_EmptyMountNode(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)
	resp := scan.FetchResponse{
		StatusCode: 200,
		Body:       []byte(`<html><body><div id="__next"></div><script src="/app.js"></script></body></html>`),
	}
	require.True(t, h.ShouldRender(resp))
}

func TestHeuristic_ShouldRender_PopulatedMountNodePasses(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)
	resp := scan.FetchResponse{
		StatusCode: 200,
		Body:       []byte(`<html><body><div id="root"><h1>Server rendered</h1><p>content</p></div></body></html>`),
	}
	require.False(t, h.ShouldRender(resp))
}

func TestHeuristic_ShouldRender_ScriptDensity(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(1000)
	resp := scan.FetchResponse{
		StatusCode: 200,
		Body:       []byte(`<html><script>var a=1;</script><p>t</p></html>`),
	}
	require.True(t, h.ShouldRender(resp))
}

func TestHeuristic_ShouldRender_LargeStaticPagePasses(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)
	body := "<html><body>" + strings.Repeat("<p>static content</p>", 50) + "</body></html>"
	resp := scan.FetchResponse{
		StatusCode: 200,
		Body:       []byte(body),
	}
	require.False(t, h.ShouldRender(resp))
}

func TestHeuristic_ShouldRender_DisabledForNon200(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)
	resp := scan.FetchResponse{
		StatusCode: 404,
		Body:       []byte(""),
	}
	require.False(t, h.ShouldRender(resp))
}

func TestHeuristic_ShouldRender_AlreadyRendered(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)
	resp := scan.FetchResponse{
		StatusCode: 200,
		Body:       []byte(""),
		Rendered:   true,
	}
	require.False(t, h.ShouldRender(resp))
}
