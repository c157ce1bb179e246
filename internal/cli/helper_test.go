package cli

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/semmy-space/gitauth/internal/credential"
)

func TestReadHelperRequest(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantURL  string
		wantHost string
	}{
		{
			name:     "protocol and host",
			input:    "protocol=https\nhost=bitbucket.org\npath=team/repo.git\n\n",
			wantURL:  "https://bitbucket.org/team/repo.git",
			wantHost: "bitbucket.org",
		},
		{
			name:     "with username",
			input:    "protocol=https\nhost=github.com\nusername=alice\n",
			wantURL:  "https://alice@github.com/",
			wantHost: "github.com",
		},
		{
			name:     "url attribute",
			input:    "url=https://bob@git.example.com:8443/org/repo.git\n",
			wantURL:  "https://bob@git.example.com:8443/org/repo.git",
			wantHost: "git.example.com",
		},
		{
			name:     "explicit fields win over url",
			input:    "url=https://bitbucket.org/a/b.git\nusername=carol\n",
			wantURL:  "https://carol@bitbucket.org/a/b.git",
			wantHost: "bitbucket.org",
		},
		{
			name:     "crlf and trailing input ignored",
			input:    "protocol=https\r\nhost=GitHub.com\r\n\r\nhost=evil.example\n",
			wantURL:  "https://GitHub.com/",
			wantHost: "github.com",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := readHelperRequest(strings.NewReader(tt.input))
			require.NoError(t, err)

			got, err := req.URL()
			require.NoError(t, err)
			assert.Equal(t, tt.wantURL, got)
			assert.Equal(t, tt.wantHost, req.Host())
		})
	}
}

func TestReadHelperRequestErrors(t *testing.T) {
	_, err := readHelperRequest(strings.NewReader("protocol https\n"))
	assert.ErrorContains(t, err, "malformed credential line")

	req, err := readHelperRequest(strings.NewReader("protocol=https\n"))
	require.NoError(t, err)
	_, err = req.URL()
	assert.ErrorContains(t, err, "no host")
}

func TestWriteHelperResponse(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeHelperResponse(&buf, &credential.Descriptor{
		Scheme: credential.SchemeBasic, Principal: "x-token-auth", Secret: "AT1", Account: "alice",
	}))
	assert.Equal(t, "username=x-token-auth\npassword=AT1\n", buf.String())

	buf.Reset()
	require.NoError(t, writeHelperResponse(&buf, &credential.Descriptor{
		Scheme: credential.SchemeBearer, Secret: "tok", Account: "ci",
	}))
	assert.Equal(t, "username=ci\npassword=tok\n", buf.String())
}

func TestIsTokenUsername(t *testing.T) {
	assert.True(t, isTokenUsername("x-access-token"))
	assert.True(t, isTokenUsername("x-token-auth"))
	assert.False(t, isTokenUsername("alice"))
	assert.False(t, isTokenUsername(""))
}
