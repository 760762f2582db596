package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTemplateExpand(t *testing.T) {
	tests := []struct {
		name     string
		template string
		host     []string
		path     []string
		want     string
	}{
		{name: "literal", template: "http://localhost:7645/", want: "http://localhost:7645/"},
		{name: "host and path", template: "http://localhost:5855/%1$1", host: []string{"bar.p.ameo.design", "bar"}, path: []string{"/x", "x"}, want: "http://localhost:5855/barx"},
		{name: "group zero", template: "http://up$0", path: []string{"/a/b"}, want: "http://up/a/b"},
		{name: "missing capture is empty", template: "http://up/%1/$2", host: []string{"h"}, path: []string{"/p", "p"}, want: "http://up//"},
		{name: "escaped markers", template: `http://up/\%1\$1\\`, host: []string{"h", "x"}, path: []string{"/", "y"}, want: `http://up/%1$1\`},
		{name: "marker without digit is literal", template: "http://up/100%/$x", want: "http://up/100%/$x"},
		{name: "trailing marker", template: "http://up/$", want: "http://up/$"},
		{name: "repeated reference", template: "%1-%1", host: []string{"a.b", "a"}, want: "a-a"},
	}
	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			tpl, err := ParseTemplate(test.template)
			require.NoError(t, err)
			assert.Equal(t, test.want, tpl.Expand(test.host, test.path))
			assert.Equal(t, test.template, tpl.String())
		})
	}
}

func TestTemplateMaxReferences(t *testing.T) {
	tpl, err := ParseTemplate("https://%1.ameo.design/v/$1/%3")
	require.NoError(t, err)
	assert.Equal(t, 3, tpl.maxHost)
	assert.Equal(t, 1, tpl.maxPath)

	tpl, err = ParseTemplate("http://localhost:7645/")
	require.NoError(t, err)
	assert.Equal(t, -1, tpl.maxHost)
	assert.Equal(t, -1, tpl.maxPath)
}

func TestTemplateParseErrors(t *testing.T) {
	for _, s := range []string{`http://x\`, `http://x/\n`} {
		_, err := ParseTemplate(s)
		assert.Error(t, err, s)
	}
}
