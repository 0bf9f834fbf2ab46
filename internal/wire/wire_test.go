package wire

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xinlaoda/lpjs/internal/job"
	"github.com/xinlaoda/lpjs/internal/node"
)

func TestUintEncoding(t *testing.T) {
	tests := []struct {
		val  uint64
		want string
	}{
		{0, "+0"},
		{5, "+5"},
		{15, "2+15"},
		{1234567890, "210+1234567890"},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		w := NewWriter(&buf)
		require.NoError(t, w.WriteUint(tt.val))
		require.NoError(t, w.Flush())
		assert.Equal(t, tt.want, buf.String())

		got, err := NewReader(&buf).ReadUint()
		require.NoError(t, err)
		assert.Equal(t, tt.val, got)
	}
}

func TestIntEncodingNegative(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteInt(-42))
	require.NoError(t, w.Flush())
	assert.Equal(t, "2-42", buf.String())

	got, err := NewReader(&buf).ReadInt()
	require.NoError(t, err)
	assert.Equal(t, int64(-42), got)
}

func TestReaderRejectsGarbage(t *testing.T) {
	_, err := NewReader(bytes.NewBufferString("x")).ReadUint()
	assert.Error(t, err)

	_, err = NewReader(bytes.NewBufferString("05")).ReadUint()
	assert.Error(t, err)

	_, err = NewReader(bytes.NewBufferString("-5")).ReadUint()
	assert.Error(t, err)
}

func TestCleanEOFIsDistinguishable(t *testing.T) {
	_, err := ReadFrame(NewReader(bytes.NewReader(nil)))
	assert.ErrorIs(t, err, io.EOF)

	// truncated after the count digit
	_, err = ReadFrame(NewReader(bytes.NewBufferString("2")))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestFramesShareOneReader(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("first")))
	require.NoError(t, WriteFrame(&buf, []byte("")))
	require.NoError(t, WriteFrame(&buf, []byte("third")))

	r := NewReader(&buf)
	for _, want := range []string{"first", "", "third"} {
		got, err := ReadFrame(r)
		require.NoError(t, err)
		assert.Equal(t, want, string(got))
	}
}

func TestFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteUint(MaxFrame+1))
	require.NoError(t, w.Flush())

	_, err := ReadFrame(NewReader(&buf))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestDecodeCheckin(t *testing.T) {
	req := CompdCheckin{
		Hostname: "compute-001.cluster",
		Specs:    node.Specs{Cores: 16, MemMiB: 65536, ZFS: true, OS: "FreeBSD", Arch: "amd64"},
	}
	payload := Encode(req)
	assert.Equal(t, byte(CodeCompdCheckin), payload[0])
	assert.Equal(t, "compute-001.cluster\t16\t65536\t1\tFreeBSD\tamd64", string(payload[1:]))

	got, err := Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, req, got)
}

func TestDecodeSubmitCarriesScript(t *testing.T) {
	j := &job.Job{JobCount: 2, CoresPerJob: 4, MemPerCoreMiB: 10, User: "bob",
		Group: "bob", SubmitHost: "h", SubmitDir: "/tmp", ScriptName: "a.sh"}
	script := "#!/bin/sh\nhostname\n"

	got, err := Decode(Encode(Submit{Job: j, Script: script}))
	require.NoError(t, err)
	sub, ok := got.(Submit)
	require.True(t, ok)
	assert.Equal(t, script, sub.Script)
	assert.Equal(t, uint(2), sub.Job.JobCount)
	assert.Equal(t, "a.sh", sub.Job.ScriptName)
}

func TestDecodeJobComplete(t *testing.T) {
	got, err := Decode(append([]byte{byte(CodeJobComplete)}, "compute-001 12 4 256"...))
	require.NoError(t, err)
	assert.Equal(t, JobComplete{Hostname: "compute-001", JobID: 12, CoresPerJob: 4, MemPerCoreMiB: 256}, got)

	got, err = Decode(Encode(JobComplete{Hostname: "c", JobID: 1, CoresPerJob: 1, MemPerCoreMiB: 1,
		ExitStatus: 3, HasExitStatus: true}))
	require.NoError(t, err)
	assert.Equal(t, 3, got.(JobComplete).ExitStatus)
	assert.True(t, got.(JobComplete).HasExitStatus)
}

func TestDecodeErrors(t *testing.T) {
	_, err := Decode(nil)
	assert.Error(t, err)

	_, err = Decode([]byte{0})
	assert.ErrorIs(t, err, ErrUnknownCode)

	_, err = Decode([]byte{42, 'x'})
	assert.ErrorIs(t, err, ErrUnknownCode)

	_, err = Decode(append([]byte{byte(CodeCancel)}, "abc"...))
	assert.Error(t, err)

	_, err = Decode(append([]byte{byte(CodeCancel)}, "1\x002"...))
	assert.Error(t, err)

	_, err = Decode(append([]byte{byte(CodeCompdCheckin)}, "host\t4"...))
	assert.Error(t, err)

	_, err = Decode(append([]byte{byte(CodeCompdCheckin)}, "host\t4\t18446744073709551615\t1\tLinux\tx86_64"...))
	assert.ErrorContains(t, err, "out of range")
}

func TestAgentCodesAreSeparate(t *testing.T) {
	payload := EncodeAgent(CancelJob{JobID: 7})
	assert.Equal(t, byte(2), payload[0])

	got, err := DecodeAgent(payload)
	require.NoError(t, err)
	assert.Equal(t, CancelJob{JobID: 7}, got)

	// the same byte addressed to the dispatcher is a node status request
	req, err := Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, NodeStatus{}, req)
}
