package htmldoc_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i2y/docsgate/internal/adapter/outbound/htmldoc"
)

const page = `<!DOCTYPE html>
<html>
<head><title>serde - Rust</title><script>var x = 1;</script></head>
<body>
<nav class="sidebar"><a href="/serde">serde</a></nav>
<main>
<section id="main-content">
<h1>Crate <span>serde</span></h1>
<p>Serde is a framework for <em>ser</em>ializing and <strong>deserializing</strong> data, see <a href="https://serde.rs">the book</a>.</p>
<pre class="rust"><code>use serde::Serialize;
#[derive(Serialize)]
struct Point { x: i32 }</code></pre>
<h2>Modules</h2>
<ul><li><a href="de/index.html">de</a> Generic deserialization.</li><li><code>ser</code>, serialization.</li></ul>
</section>
</main>
<footer>ignored footer</footer>
</body>
</html>`

func TestRenderer_Markdown(t *testing.T) {
	md, err := htmldoc.New().Markdown(page)
	require.NoError(t, err)

	want := "# Crate serde\n\n" +
		"Serde is a framework for *ser*ializing and **deserializing** data, see [the book](https://serde.rs).\n\n" +
		"```rust\nuse serde::Serialize;\n#[derive(Serialize)]\nstruct Point { x: i32 }\n```\n\n" +
		"## Modules\n\n" +
		"- [de](de/index.html) Generic deserialization.\n" +
		"- `ser`, serialization."
	assert.Equal(t, want, md)
}

func TestRenderer_Text(t *testing.T) {
	text, err := htmldoc.New().Text(page)
	require.NoError(t, err)

	assert.Contains(t, text, "Crate serde")
	assert.Contains(t, text, "see the book.")
	assert.Contains(t, text, "struct Point { x: i32 }")
	assert.NotContains(t, text, "```")
	assert.NotContains(t, text, "var x")
	assert.NotContains(t, text, "ignored footer")
	assert.NotContains(t, text, "**")
}

func TestRenderer_EmptyAndFragments(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "empty", in: "", want: ""},
		{name: "no main element falls back to body", in: "<p>just <b>text</b></p>", want: "just **text**"},
		{name: "search page without results", in: `<main><script>load()</script></main>`, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := htmldoc.New().Markdown(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
