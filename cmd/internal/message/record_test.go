package message

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecord_EqualIgnoresTransientFields(t *testing.T) {
	t.Parallel()

	a := Record{ClientSideID: "c1", Text: "hi", TimestampMicros: 5, Provenance: ProvenanceHistory}
	b := a
	b.Provenance = ProvenanceCurrentChat
	b.PrimaryID = "other"

	require.True(t, a.Equal(b))

	b.Text = "changed"
	require.False(t, a.Equal(b))
}

func TestRecord_CloneIsDeep(t *testing.T) {
	t.Parallel()

	a := Record{
		ClientSideID: "c1",
		Quote:        &Quote{Text: "q"},
		Payload: Payload{Keyboard: &Keyboard{
			Buttons: [][]Button{{{ID: "b1", Text: "Yes"}}},
		}},
	}
	b := a.Clone()
	b.Quote.Text = "changed"
	b.Payload.Keyboard.Buttons[0][0].Text = "No"

	require.Equal(t, "q", a.Quote.Text)
	require.Equal(t, "Yes", a.Payload.Keyboard.Buttons[0][0].Text)
}

func TestRecord_Identity(t *testing.T) {
	t.Parallel()

	local := Record{ClientSideID: "local-1", Text: "hi ", Sender: SenderVisitor, TimestampMicros: 10}
	server := Record{ClientSideID: "srv-1", ServerSideID: "srv-1", Text: "hi", Sender: SenderVisitor, TimestampMicros: 10}

	require.False(t, local.SameIdentity(server))
	require.True(t, local.SameContent(server))
	require.True(t, server.HasID("srv-1"))
	require.False(t, server.HasID(""))
}

func TestSortRecords_StableOnTies(t *testing.T) {
	t.Parallel()

	recs := []Record{
		{ClientSideID: "b", TimestampMicros: 2},
		{ClientSideID: "a", TimestampMicros: 2},
		{ClientSideID: "z", TimestampMicros: 1},
	}
	SortRecords(recs)

	require.Equal(t, []string{"z", "a", "b"}, []string{recs[0].ClientSideID, recs[1].ClientSideID, recs[2].ClientSideID})
}
