package policy

import (
	"bufio"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modoboa-policyd/policy/domain"
)

const sampleRequest = "request=smtpd_access_policy\n" +
	"protocol_state=RCPT\n" +
	"protocol_name=ESMTP\n" +
	"sasl_username=user@test.com\n" +
	"ccert_subject=\n" +
	"\n"

func TestDecode(t *testing.T) {
	req, err := Decode([]byte(sampleRequest))
	require.NoError(t, err)

	assert.Equal(t, 5, req.Len())
	assert.Equal(t, "RCPT", req.Get(domain.AttrProtocolState))
	assert.Equal(t, "user@test.com", req.Get(domain.AttrSASLUsername))

	v, ok := req.Lookup("ccert_subject")
	assert.True(t, ok)
	assert.Equal(t, "", v)
}

func TestDecode_Edges(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		check func(t *testing.T, req domain.Request)
	}{
		{"value with equals", "sasl_username=a=b@test.com\n\n", func(t *testing.T, req domain.Request) {
			assert.Equal(t, "a=b@test.com", req.Get(domain.AttrSASLUsername))
		}},
		{"line without equals is skipped", "garbage\nprotocol_state=RCPT\n\n", func(t *testing.T, req domain.Request) {
			assert.Equal(t, 1, req.Len())
		}},
		{"crlf", "protocol_state=RCPT\r\n\r\n", func(t *testing.T, req domain.Request) {
			assert.Equal(t, "RCPT", req.Get(domain.AttrProtocolState))
		}},
		{"empty request", "\n", func(t *testing.T, req domain.Request) {
			assert.Equal(t, 0, req.Len())
		}},
		{"duplicate keeps last", "sasl_username=a\nsasl_username=b\n\n", func(t *testing.T, req domain.Request) {
			assert.Equal(t, "b", req.Get(domain.AttrSASLUsername))
		}},
		{"empty name is skipped", "=value\nprotocol_state=RCPT\n\n", func(t *testing.T, req domain.Request) {
			assert.Equal(t, 1, req.Len())
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := Decode([]byte(tt.in))
			require.NoError(t, err)
			tt.check(t, req)
		})
	}
}

func TestDecode_Incomplete(t *testing.T) {
	for _, in := range []string{"", "protocol_state=RCPT\n", "protocol_state=RCPT"} {
		_, err := Decode([]byte(in))
		assert.ErrorIs(t, err, domain.ErrIncompleteRequest, "%q", in)
	}
}

func TestReadRequest_StopsAtTerminator(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("a=1\n\nb=2\n\n"))

	first, err := ReadRequest(r)
	require.NoError(t, err)
	assert.Equal(t, "1", first.Get("a"))
	assert.Equal(t, 1, first.Len())

	second, err := ReadRequest(r)
	require.NoError(t, err)
	assert.Equal(t, "2", second.Get("b"))
}

func TestEncode(t *testing.T) {
	assert.Equal(t, "action=dunno\n\n", string(Encode(domain.ActionDunno)))
	assert.Equal(t, "action=defer_if_permit Daily limit reached, retry later\n\n", string(Encode(domain.ActionDeferLimit)))
}

func TestEncodeRequest_RoundTrip(t *testing.T) {
	req, err := Decode([]byte(sampleRequest))
	require.NoError(t, err)

	again, err := Decode(EncodeRequest(req))
	require.NoError(t, err)
	assert.Equal(t, req.Attributes(), again.Attributes())
}
