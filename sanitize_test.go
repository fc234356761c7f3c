package boxedr

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "clean", in: "x <- 1\ny <- 2", want: "x <- 1\ny <- 2"},
		{name: "bom", in: "\ufeffx <- 1", want: "x <- 1"},
		{name: "crlf", in: "x <- 1\r\ny <- 2\r\n", want: "x <- 1\ny <- 2\n"},
		{name: "lone cr", in: "x <- 1\ry <- 2", want: "x <- 1\ny <- 2"},
		{name: "line separator", in: "x <- 1\u2028y <- 2", want: "x <- 1\ny <- 2"},
		{name: "paragraph separator", in: "x <- 1\u2029y <- 2", want: "x <- 1\ny <- 2"},
		{name: "next line", in: "x <- 1\u0085y <- 2", want: "x <- 1\ny <- 2"},
		{name: "nbsp", in: "x\u00a0<- 1", want: "x <- 1"},
		{name: "ideographic space", in: "x\u3000<-\u2009 1", want: "x <-  1"},
		{name: "vertical tab and form feed", in: "x\v<-\f1", want: "x <- 1"},
		{name: "zero width", in: "x\u200b <- \u200d1\u2060", want: "x <- 1"},
		{name: "nul", in: "malformed\x00 script", want: "malformed script"},
		{name: "control", in: "a\x01\x1b<- 1", want: "a<- 1"},
		{name: "tabs kept", in: "f(\tx)", want: "f(\tx)"},
		{name: "invalid utf8", in: "x <- '\xff\xfeok'", want: "x <- 'ok'"},
		{name: "non-ascii text kept", in: "'naïve ü'", want: "'naïve ü'"},
		{name: "empty", in: "", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Sanitize(tt.in))
		})
	}
}

func TestSanitize_Idempotent(t *testing.T) {
	t.Parallel()
	in := "\ufeffa <-\r\n b\x00\u200b"
	once := Sanitize(in)
	assert.Equal(t, once, Sanitize(once))
}
