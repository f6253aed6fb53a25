package v1

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLiveEnvelopeValidate(t *testing.T) {
	t.Parallel()

	payload := json.RawMessage(`{"revision":"7"}`)
	cases := []struct {
		name    string
		env     LiveEnvelope
		wantErr string
	}{
		{name: "ok", env: LiveEnvelope{V: LiveVersion, Type: TypeRevision, Payload: payload}},
		{name: "missing version", env: LiveEnvelope{Type: TypeRevision, Payload: payload}, wantErr: "missing field: v"},
		{name: "other version", env: LiveEnvelope{V: "v2", Type: TypeRevision, Payload: payload}, wantErr: "unsupported protocol version"},
		{name: "missing type", env: LiveEnvelope{V: LiveVersion, Payload: payload}, wantErr: "missing field: type"},
		{name: "unknown type", env: LiveEnvelope{V: LiveVersion, Type: "presence", Payload: payload}, wantErr: "unknown type"},
		{name: "missing payload", env: LiveEnvelope{V: LiveVersion, Type: TypeError}, wantErr: "missing field: payload"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.env.Validate()
			if tc.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestDeltaResponseValidate(t *testing.T) {
	t.Parallel()

	rev := "12"
	blank := "  "

	require.NoError(t, DeltaResponse{Revision: &rev}.Validate())
	require.NoError(t, DeltaResponse{Error: ErrorReinitRequired}.Validate())
	require.ErrorContains(t, DeltaResponse{}.Validate(), "revision")
	require.ErrorContains(t, DeltaResponse{Revision: &blank}.Validate(), "revision")
	require.ErrorContains(t, DeltaResponse{Revision: &rev, Deleted: []string{"a", ""}}.Validate(), "index 1")
}

func TestDeltaResponse_DecodesMissingRevisionAsNil(t *testing.T) {
	t.Parallel()

	var resp DeltaResponse
	require.NoError(t, json.Unmarshal([]byte(`{"hasMore":true,"messages":[{"id":"m1","ts_m":5}]}`), &resp))
	require.Nil(t, resp.Revision)
	require.True(t, resp.HasMore)
	require.Len(t, resp.Messages, 1)
	require.Equal(t, int64(5), resp.Messages[0].TimestampMicros)
	require.Error(t, resp.Validate())
}

func TestInitResponseValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, InitResponse{PageID: "p", AuthToken: "t"}.Validate())
	require.NoError(t, InitResponse{Error: ErrorAccountBlocked}.Validate())
	require.ErrorContains(t, InitResponse{AuthToken: "t"}.Validate(), "pageId")
	require.Error(t, InitResponse{PageID: "p"}.Validate())
}
