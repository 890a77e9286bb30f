package htmlutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testHTML = `
<html>
<head><title>  EU   news </title><style>p { color: red }</style></head>
<body>
<h1>EU rejects German call</h1>
<p>The European Commission said on <b>Thursday</b> it disagreed
   with German advice.</p>
<script>var x = "not text";</script>
<ul><li>Peter Blackburn</li><li>BRUSSELS 1996-08-22</li></ul>
<!-- a comment -->
<div><span>to</span><span>boycott</span> British lamb.</div>
<p>   </p>
</body></html>
`

func TestTextBlocks(t *testing.T) {
	doc, err := LoadHTMLString(testHTML)
	require.NoError(t, err)

	assert.Equal(t, "EU news", Title(doc))
	assert.Equal(t, []string{
		"EU rejects German call",
		"The European Commission said on Thursday it disagreed with German advice.",
		"Peter Blackburn",
		"BRUSSELS 1996-08-22",
		"to boycott British lamb.",
	}, TextBlocks(doc))
}

func TestTextWithoutBody(t *testing.T) {
	doc, err := LoadHTMLString("plain <i>words</i> only")
	require.NoError(t, err)
	assert.Equal(t, "plain words only", Text(doc))
}

func TestEmptyDocument(t *testing.T) {
	doc, err := LoadHTMLString("")
	require.NoError(t, err)
	assert.Empty(t, TextBlocks(doc))
	assert.Equal(t, "", Title(doc))
}
