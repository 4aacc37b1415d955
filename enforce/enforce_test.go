package enforce

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/syssam/guardrail"
	"github.com/syssam/guardrail/attr"
	"github.com/syssam/guardrail/memdata"
	"github.com/syssam/guardrail/policy"
	"github.com/syssam/guardrail/schema/load"
)

const bookingYAML = `
models:
  - name: User
    fields:
      - {name: id, type: id}
      - {name: name, type: string}
      - name: password
        type: string
        attributes:
          - {name: "@password", args: [4]}
          - {name: "@omit", args: []}
          - {name: "@length", args: [8, 72]}
    attributes:
      - {name: "@@allow", args: ["create", "true"]}
      - {name: "@@allow", args: ["all", "principal() == id"]}
  - name: Booking
    fields:
      - {name: id, type: id}
      - {name: owner, type: string}
      - {name: title, type: string}
      - {name: archived, type: bool, default: false}
      - name: invites
        type: relation
        target: Invite
        many: true
        join: {from: id, to: bookingId}
    attributes:
      - {name: "@@allow", args: ["create", "principal() == owner"]}
      - {name: "@@allow", args: ["all", "principal() == owner"]}
      - {name: "@@allow", args: ["read", "invites?[userId == principal()]"]}
      - {name: "@@deny", args: ["update", "archived == true"]}
  - name: Invite
    fields:
      - {name: id, type: id}
      - {name: bookingId, type: string}
      - {name: userId, type: string}
      - name: booking
        type: relation
        target: Booking
        join: {from: bookingId, to: id}
    attributes:
      - {name: "@@allow", args: ["create", "booking?[owner == principal()]"]}
      - {name: "@@allow", args: ["read", "userId == principal()"]}
      - {name: "@@allow", args: ["all", "booking?[owner == principal()]"]}
`

func newFixture(t *testing.T, opts ...Option) (*Client, *memdata.Source) {
	t.Helper()
	sch, err := load.ParseBytes([]byte(bookingYAML))
	require.NoError(t, err)
	bundle, err := policy.Compile(sch, attr.Builtin())
	require.NoError(t, err)
	ds := memdata.New(sch)
	return NewClient(ds, bundle, opts...), ds
}

func seedBookings(s *memdata.Source) {
	s.Seed("Booking",
		guardrail.Record{"id": "b1", "owner": "alice", "title": "standup", "archived": false},
		guardrail.Record{"id": "b2", "owner": "alice", "title": "retro", "archived": true},
		guardrail.Record{"id": "b3", "owner": "bob", "title": "1:1", "archived": false},
	)
	s.Seed("Invite",
		guardrail.Record{"id": "i1", "bookingId": "b1", "userId": "bob"},
	)
}

func as(principal any) context.Context {
	return guardrail.WithPrincipal(context.Background(), principal)
}

func bookingIDs(rows []guardrail.Record) []string {
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r["id"].(string)
	}
	return ids
}

func TestFindMany(t *testing.T) {
	t.Parallel()
	client, ds := newFixture(t)
	seedBookings(ds)

	t.Run("owner_sees_own_rows", func(t *testing.T) {
		t.Parallel()
		rows, err := client.FindMany(as("alice"), "Booking", &guardrail.Query{OrderBy: []string{"id"}})
		require.NoError(t, err)
		assert.Equal(t, []string{"b1", "b2"}, bookingIDs(rows))
	})

	t.Run("invitee_sees_invited_rows", func(t *testing.T) {
		t.Parallel()
		rows, err := client.FindMany(as("bob"), "Booking", &guardrail.Query{OrderBy: []string{"id"}})
		require.NoError(t, err)
		assert.Equal(t, []string{"b1", "b3"}, bookingIDs(rows))
	})

	t.Run("stranger_sees_nothing", func(t *testing.T) {
		t.Parallel()
		rows, err := client.FindMany(as("carol"), "Booking", nil)
		require.NoError(t, err)
		assert.Empty(t, rows)
	})

	t.Run("anonymous_sees_nothing", func(t *testing.T) {
		t.Parallel()
		rows, err := client.FindMany(context.Background(), "Booking", nil)
		require.NoError(t, err)
		assert.Empty(t, rows)
	})

	t.Run("caller_filter_conjoined_not_replaced", func(t *testing.T) {
		t.Parallel()
		rows, err := client.FindMany(as("bob"), "Booking", &guardrail.Query{
			Filter: guardrail.Cond("owner", guardrail.CmpEQ, "alice"),
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"b1"}, bookingIDs(rows))
	})

	t.Run("includes_filtered_by_target_policy", func(t *testing.T) {
		t.Parallel()
		rows, err := client.FindMany(as("bob"), "Booking", &guardrail.Query{
			Filter:  guardrail.Cond("id", guardrail.CmpEQ, "b1"),
			Include: map[string]*guardrail.Query{"invites": {}},
		})
		require.NoError(t, err)
		require.Len(t, rows, 1)
		// Bob sees his own invite through the include.
		invites := rows[0]["invites"].([]guardrail.Record)
		require.Len(t, invites, 1)
		assert.Equal(t, "bob", invites[0]["userId"])
	})

	t.Run("unknown_model", func(t *testing.T) {
		t.Parallel()
		_, err := client.FindMany(as("alice"), "Ghost", nil)
		assert.Error(t, err)
	})
}

func TestFindFirstAndCount(t *testing.T) {
	t.Parallel()
	client, ds := newFixture(t)
	seedBookings(ds)

	row, err := client.FindFirst(as("alice"), "Booking", &guardrail.Query{OrderBy: []string{"id"}})
	require.NoError(t, err)
	assert.Equal(t, "b1", row["id"])

	_, err = client.FindFirst(as("carol"), "Booking", nil)
	assert.ErrorIs(t, err, ErrNotFound)

	n, err := client.Count(as("alice"), "Booking", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = client.Count(as("carol"), "Booking", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestCreate(t *testing.T) {
	t.Parallel()

	t.Run("allowed_for_own_record", func(t *testing.T) {
		t.Parallel()
		client, _ := newFixture(t)
		created, err := client.Create(as("alice"), "Booking", guardrail.Record{
			"owner": "alice", "title": "planning",
		})
		require.NoError(t, err)
		assert.NotEmpty(t, created["id"])
		assert.Equal(t, false, created["archived"], "default merged")
	})

	t.Run("denied_for_foreign_owner_persists_nothing", func(t *testing.T) {
		t.Parallel()
		client, ds := newFixture(t)
		_, err := client.Create(as("mallory"), "Booking", guardrail.Record{
			"owner": "alice", "title": "spoof",
		})
		require.Error(t, err)
		assert.True(t, guardrail.IsPolicyViolation(err))

		n, err := ds.Count(context.Background(), "Booking", nil)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})

	t.Run("password_hashed_and_omitted", func(t *testing.T) {
		t.Parallel()
		client, ds := newFixture(t)
		created, err := client.Create(as("bob"), "User", guardrail.Record{
			"id": "bob", "name": "Bob", "password": "hunter2hunter2",
		})
		require.NoError(t, err)
		_, present := created["password"]
		assert.False(t, present, "omitted field absent from create result")

		// Stored value is the hash, not the plaintext.
		raw, err := ds.FindMany(context.Background(), "User", nil)
		require.NoError(t, err)
		require.Len(t, raw, 1)
		stored := raw[0]["password"].(string)
		assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(stored), []byte("hunter2hunter2")))

		// And it never appears through the enforced read path.
		row, err := client.FindFirst(as("bob"), "User", nil)
		require.NoError(t, err)
		assert.NotContains(t, row, "password")
	})

	t.Run("validation_failure", func(t *testing.T) {
		t.Parallel()
		client, _ := newFixture(t)
		_, err := client.Create(as("bob"), "User", guardrail.Record{
			"id": "bob", "name": "Bob", "password": "short",
		})
		require.Error(t, err)
		assert.True(t, guardrail.IsValidationError(err))
	})
}

func TestUpdate(t *testing.T) {
	t.Parallel()

	t.Run("owner_updates_own_row", func(t *testing.T) {
		t.Parallel()
		client, ds := newFixture(t)
		seedBookings(ds)
		updated, err := client.Update(as("alice"), "Booking",
			guardrail.Cond("id", guardrail.CmpEQ, "b1"),
			guardrail.Record{"title": "renamed"},
		)
		require.NoError(t, err)
		require.Len(t, updated, 1)
		assert.Equal(t, "renamed", updated[0]["title"])
	})

	t.Run("reader_cannot_update", func(t *testing.T) {
		t.Parallel()
		client, ds := newFixture(t)
		seedBookings(ds)
		_, err := client.Update(as("bob"), "Booking",
			guardrail.Cond("id", guardrail.CmpEQ, "b1"),
			guardrail.Record{"title": "hijacked"},
		)
		require.Error(t, err)
		assert.True(t, guardrail.IsPolicyViolation(err))
	})

	t.Run("one_denied_row_aborts_whole_batch", func(t *testing.T) {
		t.Parallel()
		client, ds := newFixture(t)
		seedBookings(ds)
		// The filter matches b1 (updatable) and b2 (archived, deny rule).
		_, err := client.Update(as("alice"), "Booking",
			guardrail.Cond("owner", guardrail.CmpEQ, "alice"),
			guardrail.Record{"title": "bulk"},
		)
		require.Error(t, err)
		assert.True(t, guardrail.IsPolicyViolation(err))

		rows, err := ds.FindMany(context.Background(), "Booking", nil)
		require.NoError(t, err)
		for _, row := range rows {
			assert.NotEqual(t, "bulk", row["title"], "rolled back")
		}
	})
}

func TestUpdatePostCheck(t *testing.T) {
	t.Parallel()
	escape := guardrail.Record{"owner": "mallory"}
	filter := guardrail.Cond("id", guardrail.CmpEQ, "b1")

	t.Run("disabled_by_default", func(t *testing.T) {
		t.Parallel()
		client, ds := newFixture(t)
		seedBookings(ds)
		updated, err := client.Update(as("alice"), "Booking", filter, escape)
		require.NoError(t, err)
		require.Len(t, updated, 1)
		assert.Equal(t, "mallory", updated[0]["owner"])
	})

	t.Run("enabled_rolls_back_escaping_update", func(t *testing.T) {
		t.Parallel()
		client, ds := newFixture(t, WithPostUpdateCheck())
		seedBookings(ds)
		_, err := client.Update(as("alice"), "Booking", filter, escape)
		require.Error(t, err)
		assert.True(t, guardrail.IsPolicyViolation(err))

		row, err := client.FindFirst(as("alice"), "Booking", &guardrail.Query{Filter: filter})
		require.NoError(t, err)
		assert.Equal(t, "alice", row["owner"], "rolled back")
	})
}

func TestDelete(t *testing.T) {
	t.Parallel()

	t.Run("owner_deletes_own_rows", func(t *testing.T) {
		t.Parallel()
		client, ds := newFixture(t)
		seedBookings(ds)
		n, err := client.Delete(as("bob"), "Booking", guardrail.Cond("owner", guardrail.CmpEQ, "bob"))
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("denied_delete_removes_nothing", func(t *testing.T) {
		t.Parallel()
		client, ds := newFixture(t)
		seedBookings(ds)
		_, err := client.Delete(as("bob"), "Booking", nil)
		require.Error(t, err)
		assert.True(t, guardrail.IsPolicyViolation(err))

		n, err := ds.Count(context.Background(), "Booking", nil)
		require.NoError(t, err)
		assert.Equal(t, 3, n)
	})
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	t.Parallel()
	client, _ := newFixture(t)

	created, err := client.Create(as("alice"), "Booking", guardrail.Record{
		"owner": "alice", "title": "kickoff",
	})
	require.NoError(t, err)

	row, err := client.FindFirst(as("alice"), "Booking", &guardrail.Query{
		Filter: guardrail.Cond("id", guardrail.CmpEQ, created["id"]),
	})
	require.NoError(t, err)
	assert.Equal(t, created, row)
}

func TestRelationCreateThroughSingleRelation(t *testing.T) {
	t.Parallel()
	client, ds := newFixture(t)
	seedBookings(ds)

	// Alice owns b1 and may invite; bob may not invite to it.
	_, err := client.Create(as("alice"), "Invite", guardrail.Record{
		"bookingId": "b1", "userId": "carol",
	})
	require.NoError(t, err)

	_, err = client.Create(as("bob"), "Invite", guardrail.Record{
		"bookingId": "b1", "userId": "bob2",
	})
	require.Error(t, err)
	assert.True(t, guardrail.IsPolicyViolation(err))
}
