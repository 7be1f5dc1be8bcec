package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractFiles_SingleBlock(t *testing.T) {
	output := "Sure, here is the page:\n\n" +
		"```html\n// filepath: index.html\n<!DOCTYPE html>\n<html></html>\n```\n\n" +
		"Let me know if you need changes."

	files := ExtractFiles(output)
	require.Len(t, files, 1)
	assert.Equal(t, "index.html", files[0].Path)
	assert.Equal(t, "<!DOCTYPE html>\n<html></html>\n", files[0].Content)
}

func TestExtractFiles_MultipleBlocks(t *testing.T) {
	output := "```js\n// filepath: src/app.js\nconsole.log('a');\n```\n" +
		"some prose\n" +
		"```json\n// filepath: package.json\n{\"name\":\"app\"}\n```\n"

	files := ExtractFiles(output)
	require.Len(t, files, 2)
	assert.Equal(t, "src/app.js", files[0].Path)
	assert.Equal(t, "console.log('a');\n", files[0].Content)
	assert.Equal(t, "package.json", files[1].Path)
	assert.Equal(t, "{\"name\":\"app\"}\n", files[1].Content)
}

func TestExtractFiles_IgnoresBlocksWithoutMarker(t *testing.T) {
	output := "```js\nconsole.log('no marker');\n```\n" +
		"```js\n// filepath: real.js\nmodule.exports = {};\n```"

	files := ExtractFiles(output)
	require.Len(t, files, 1)
	assert.Equal(t, "real.js", files[0].Path)
}

func TestExtractFiles_NoFence(t *testing.T) {
	assert.Empty(t, ExtractFiles("just prose, no code at all"))
	assert.Empty(t, ExtractFiles(""))
	// A filepath marker outside a fence does not count.
	assert.Empty(t, ExtractFiles("// filepath: loose.js\nconsole.log(1);"))
}

func TestExtractFiles_MarkerSpacingAndBareFence(t *testing.T) {
	output := "```\n  // filepath:   spaced.js  \nlet y = 2;\n```"

	files := ExtractFiles(output)
	require.Len(t, files, 1)
	assert.Equal(t, "spaced.js", files[0].Path)
	assert.Equal(t, "let y = 2;\n", files[0].Content)
}
