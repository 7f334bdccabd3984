package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestParseBareCode(t *testing.T) {
	f, err := Parse("PIN")
	require.NoError(t, err)
	assert.Equal(t, CodePIN, f.Code)
	assert.Nil(t, f.Payload)
}

func TestParseWithPayload(t *testing.T) {
	f, err := Parse(`MSG {"text":"hello"}`)
	require.NoError(t, err)
	assert.Equal(t, CodeMSG, f.Code)

	var text Text
	require.NoError(t, f.Decode(&text))
	assert.Equal(t, "hello", text.Text)
}

func TestParseShortFrames(t *testing.T) {
	for _, line := range []string{"", "M", "MO"} {
		_, err := Parse(line)
		assert.ErrorIs(t, err, ErrFrameTooShort, "line %q", line)
	}
}

func TestParseExactlyThreeBytes(t *testing.T) {
	f, err := Parse("MOV")
	require.NoError(t, err)
	assert.Equal(t, CodeMOV, f.Code)
	assert.Nil(t, f.Payload)
}

func TestParseInvalidJSON(t *testing.T) {
	_, err := Parse(`MSG {not json`)
	assert.Error(t, err)
}

func TestParseUnknownCodeIsNotAParseError(t *testing.T) {
	f, err := Parse(`XYZ {"a":1}`)
	require.NoError(t, err)
	assert.False(t, Known(f.Code), "routing, not parsing, rejects unknown codes")
}

func TestDecodeWithoutPayload(t *testing.T) {
	f, err := Parse("MOV")
	require.NoError(t, err)
	var v map[string]any
	assert.Error(t, f.Decode(&v))
}

func TestEncodeNilPayload(t *testing.T) {
	frame, err := Encode(CodePIN, nil)
	require.NoError(t, err)
	assert.Equal(t, "PIN", frame)
}

func TestEncodeWithPayload(t *testing.T) {
	frame, err := Encode(CodeERR, Text{Text: "nope"})
	require.NoError(t, err)
	assert.Equal(t, `ERR {"text":"nope"}`, frame)
}

func TestKnownCodes(t *testing.T) {
	for _, c := range []Code{CodeIDN, CodePIN, CodeMAI, CodeMAP, CodeWHO,
		CodeMOV, CodeMSG, CodeERR, CodeBAG, CodeEML, CodeCMD, CodePUT, CodeDEL} {
		assert.True(t, Known(c), string(c))
	}
	assert.False(t, Known("ZZZ"))
}

func TestRemoteTargetExtraction(t *testing.T) {
	f, err := Parse(`MSG {"text":"hi","remote_map":7}`)
	require.NoError(t, err)
	var rt RemoteTarget
	require.NoError(t, f.Decode(&rt))
	require.NotNil(t, rt.RemoteMap)
	assert.Equal(t, 7, *rt.RemoteMap)

	f, err = Parse(`MSG {"text":"hi"}`)
	require.NoError(t, err)
	rt = RemoteTarget{}
	require.NoError(t, f.Decode(&rt))
	assert.Nil(t, rt.RemoteMap)
}

// TestEncodeParseRoundTrip checks that any encoded frame parses back to the
// same code and an equivalent payload.
func TestEncodeParseRoundTrip(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		text := rapid.StringMatching(`[^\n]*`).Draw(rt, "text")
		frame, err := Encode(CodeMSG, Text{Text: text})
		if err != nil {
			rt.Fatalf("encode: %v", err)
		}
		parsed, err := Parse(frame)
		if err != nil {
			rt.Fatalf("parse: %v", err)
		}
		if parsed.Code != CodeMSG {
			rt.Fatalf("code mismatch: %s", parsed.Code)
		}
		var out Text
		if err := parsed.Decode(&out); err != nil {
			rt.Fatalf("decode: %v", err)
		}
		if out.Text != text {
			rt.Fatalf("payload mismatch: %q != %q", out.Text, text)
		}
	})
}
