package message

import (
	"encoding/json"
	"errors"
	"testing"

	v1 "chatsync/shared/contracts/delta/v1"

	"github.com/stretchr/testify/require"
)

func newTestMapper(t *testing.T) *Mapper {
	t.Helper()
	m, err := NewMapper("https://demo.chat.example/", nil)
	require.NoError(t, err)
	return m
}

func TestMapper_TextMessage(t *testing.T) {
	t.Parallel()

	m := newTestMapper(t)
	rec, err := m.Map(v1.MessageItem{
		ClientSideID:    "c1",
		ID:              "s1",
		Kind:            v1.KindOperator,
		Text:            "hello",
		Name:            "Ann",
		Avatar:          "/avatars/ann.png",
		TimestampMicros: 1000,
	}, ProvenanceHistory)
	require.NoError(t, err)

	require.Equal(t, "c1", rec.ClientSideID)
	require.Equal(t, "s1", rec.ServerSideID)
	require.Equal(t, KindText, rec.Kind)
	require.Equal(t, SenderOperator, rec.Sender)
	require.Equal(t, "https://demo.chat.example/avatars/ann.png", rec.AvatarURL)
	require.Equal(t, int64(1000), rec.TimestampMicros)
	require.Equal(t, StatusSent, rec.SendStatus)
	require.Equal(t, ProvenanceHistory, rec.Provenance)
}

func TestMapper_DefaultsOnAbsence(t *testing.T) {
	t.Parallel()

	m := newTestMapper(t)
	rec, err := m.Map(v1.MessageItem{ID: "s1", Timestamp: 1.5}, ProvenanceCurrentChat)
	require.NoError(t, err)

	require.Equal(t, "s1", rec.ClientSideID, "server id stands in for a missing client id")
	require.Equal(t, int64(1_500_000), rec.TimestampMicros)
	require.Equal(t, KindInfo, rec.Kind)
	require.Equal(t, SenderSystem, rec.Sender)
	require.Nil(t, rec.Quote)
	require.Nil(t, rec.Payload.File)
}

func TestMapper_FilePayloadResolvesURL(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(v1.FileData{File: &v1.FileItem{
		State:       "ready",
		Filename:    "cat.png",
		ContentType: "image/png",
		Size:        42,
		URL:         "l/v/download/abc/cat.png",
	}})
	require.NoError(t, err)

	m := newTestMapper(t)
	rec, err := m.Map(v1.MessageItem{
		ID:              "f1",
		Kind:            v1.KindFileFromOperator,
		Data:            data,
		TimestampMicros: 10,
	}, ProvenanceHistory)
	require.NoError(t, err)

	require.Equal(t, KindFile, rec.Kind)
	require.NotNil(t, rec.Payload.File)
	require.Equal(t, "https://demo.chat.example/l/v/download/abc/cat.png", rec.Payload.File.URL)
	require.Equal(t, int64(42), rec.Payload.File.Size)
}

func TestMapper_BrokenPayloadIsAbsentNotFatal(t *testing.T) {
	t.Parallel()

	m := newTestMapper(t)
	rec, err := m.Map(v1.MessageItem{
		ID:              "k1",
		Kind:            v1.KindKeyboard,
		Data:            json.RawMessage(`"not an object"`),
		TimestampMicros: 10,
	}, ProvenanceHistory)
	require.NoError(t, err)
	require.Equal(t, KindKeyboard, rec.Kind)
	require.Nil(t, rec.Payload.Keyboard)
}

func TestMapper_KeyboardAndSticker(t *testing.T) {
	t.Parallel()

	m := newTestMapper(t)
	kb, err := m.Map(v1.MessageItem{
		ID:              "k1",
		Kind:            v1.KindKeyboard,
		Data:            json.RawMessage(`{"state":"pending","buttons":[[{"id":"b1","text":"Yes"},{"id":"b2","text":"No"}]]}`),
		TimestampMicros: 10,
	}, ProvenanceHistory)
	require.NoError(t, err)
	require.NotNil(t, kb.Payload.Keyboard)
	require.Len(t, kb.Payload.Keyboard.Buttons, 1)
	require.Equal(t, "No", kb.Payload.Keyboard.Buttons[0][1].Text)

	st, err := m.Map(v1.MessageItem{
		ID:              "st1",
		Kind:            v1.KindStickerVisitor,
		Data:            json.RawMessage(`{"stickerId":7}`),
		TimestampMicros: 11,
	}, ProvenanceHistory)
	require.NoError(t, err)
	require.Equal(t, SenderVisitor, st.Sender)
	require.Equal(t, 7, st.Payload.Sticker.ID)
}

func TestMapper_MalformedItems(t *testing.T) {
	t.Parallel()

	m := newTestMapper(t)

	_, err := m.Map(v1.MessageItem{Text: "no id", TimestampMicros: 1}, ProvenanceHistory)
	require.True(t, errors.Is(err, ErrMalformed))

	_, err = m.Map(v1.MessageItem{ID: "x"}, ProvenanceHistory)
	require.True(t, errors.Is(err, ErrMalformed))

	_, err = m.Map(v1.MessageItem{ID: "x", TimestampMicros: -5}, ProvenanceHistory)
	require.True(t, errors.Is(err, ErrMalformed))
}

func TestMapper_BatchDropsOnlyMalformed(t *testing.T) {
	t.Parallel()

	m := newTestMapper(t)
	recs, dropped := m.MapBatch([]v1.MessageItem{
		{ID: "a", TimestampMicros: 1, Kind: v1.KindVisitor},
		{Text: "broken"},
		{ID: "b", TimestampMicros: 2, Kind: v1.KindOperator},
	}, ProvenanceHistory)

	require.Len(t, recs, 2)
	require.Equal(t, "a", recs[0].ClientSideID)
	require.Equal(t, "b", recs[1].ClientSideID)
	require.Len(t, dropped, 1)

	var me MalformedError
	require.True(t, errors.As(dropped[0], &me))
	require.Equal(t, 1, me.Index)
}

func TestNewMapper_RejectsRelativeBase(t *testing.T) {
	t.Parallel()

	_, err := NewMapper("demo.chat.example", nil)
	require.Error(t, err)
}

func TestMapper_ResolveCachesLinks(t *testing.T) {
	m := newTestMapper(t)

	require.Equal(t, "https://demo.chat.example/avatars/ann.png", m.resolve(" /avatars/ann.png "))
	require.True(t, m.resolved.Contains("/avatars/ann.png"))
	require.Equal(t, "https://demo.chat.example/avatars/ann.png", m.resolve("/avatars/ann.png"))
	require.Equal(t, 1, m.resolved.Len())

	require.Equal(t, "https://cdn.example/x.png", m.resolve("https://cdn.example/x.png"))

	bare, err := NewMapper("", nil)
	require.NoError(t, err)
	require.Equal(t, "/avatars/ann.png", bare.resolve("/avatars/ann.png"))
	require.Zero(t, bare.resolved.Len())
}
