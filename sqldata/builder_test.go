package sqldata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syssam/guardrail"
	"github.com/syssam/guardrail/schema"
)

func testSchema(t *testing.T) *schema.Schema {
	t.Helper()
	booking := &schema.Model{Name: "Booking", Fields: []*schema.Field{
		{Name: "id", Type: schema.TypeID},
		{Name: "owner", Type: schema.TypeString},
		{Name: "seats", Type: schema.TypeInt},
		{Name: "note", Type: schema.TypeString, Optional: true},
		{Name: "invites", Type: schema.TypeRelation, Target: "Invite", FromField: "id", ToField: "bookingId", Many: true},
	}}
	invite := &schema.Model{Name: "Invite", Fields: []*schema.Field{
		{Name: "id", Type: schema.TypeID},
		{Name: "bookingId", Type: schema.TypeString},
		{Name: "userId", Type: schema.TypeString},
		{Name: "booking", Type: schema.TypeRelation, Target: "Booking", FromField: "bookingId", ToField: "id"},
	}}
	sch, err := schema.New(booking, invite)
	require.NoError(t, err)
	return sch
}

func TestNaming(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "bookings", TableName("Booking"))
	assert.Equal(t, "invites", TableName("Invite"))
	assert.Equal(t, "people", TableName("Person"))
	assert.Equal(t, "booking_id", ColumnName("bookingId"))
	assert.Equal(t, "owner", ColumnName("owner"))
}

func TestWhere(t *testing.T) {
	t.Parallel()
	sch := testSchema(t)
	booking, _ := sch.Model("Booking")

	tests := []struct {
		name     string
		filter   *guardrail.Filter
		wantSQL  string
		wantArgs []any
	}{
		{
			name:    "match_all_is_empty",
			filter:  guardrail.MatchAll(),
			wantSQL: "",
		},
		{
			name:    "nil_is_empty",
			filter:  nil,
			wantSQL: "",
		},
		{
			name:    "match_none",
			filter:  guardrail.MatchNone(),
			wantSQL: "1 = 0",
		},
		{
			name:     "simple_cond",
			filter:   guardrail.Cond("owner", guardrail.CmpEQ, "alice"),
			wantSQL:  "t0.owner = ?",
			wantArgs: []any{"alice"},
		},
		{
			name:     "neq_keeps_null_rows",
			filter:   guardrail.Cond("note", guardrail.CmpNEQ, "x"),
			wantSQL:  "(t0.note <> ? OR t0.note IS NULL)",
			wantArgs: []any{"x"},
		},
		{
			name:    "eq_null_is_is_null",
			filter:  guardrail.Cond("note", guardrail.CmpEQ, nil),
			wantSQL: "t0.note IS NULL",
		},
		{
			name:    "neq_null_is_is_not_null",
			filter:  guardrail.Cond("note", guardrail.CmpNEQ, nil),
			wantSQL: "t0.note IS NOT NULL",
		},
		{
			name:    "ordering_against_null_matches_nothing",
			filter:  guardrail.Cond("note", guardrail.CmpGT, nil),
			wantSQL: "1 = 0",
		},
		{
			name:    "field_to_field",
			filter:  guardrail.CondField("owner", guardrail.CmpNEQ, "note"),
			wantSQL: "t0.owner <> t0.note",
		},
		{
			name: "and_not",
			filter: guardrail.And(
				guardrail.Cond("owner", guardrail.CmpEQ, "alice"),
				guardrail.Not(guardrail.Cond("seats", guardrail.CmpLT, 2)),
			),
			wantSQL:  "(t0.owner = ? AND NOT (t0.seats < ?))",
			wantArgs: []any{"alice", 2},
		},
		{
			name:     "exists_subquery",
			filter:   guardrail.Some("invites", guardrail.Cond("userId", guardrail.CmpEQ, "bob")),
			wantSQL:  "EXISTS (SELECT 1 FROM invites t1 WHERE t1.booking_id = t0.id AND t1.user_id = ?)",
			wantArgs: []any{"bob"},
		},
		{
			name:    "exists_without_subfilter",
			filter:  guardrail.Some("invites", nil),
			wantSQL: "EXISTS (SELECT 1 FROM invites t1 WHERE t1.booking_id = t0.id)",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			b := newBuilder(SQLite)
			got, err := b.where(booking, tt.filter, "t0")
			require.NoError(t, err)
			assert.Equal(t, tt.wantSQL, got)
			assert.Equal(t, tt.wantArgs, b.args)
		})
	}
}

func TestWhereNestedExists(t *testing.T) {
	t.Parallel()
	sch := testSchema(t)
	invite, _ := sch.Model("Invite")

	b := newBuilder(SQLite)
	f := guardrail.Some("booking", guardrail.Cond("owner", guardrail.CmpEQ, "alice"))
	got, err := b.where(invite, f, "t0")
	require.NoError(t, err)
	assert.Equal(t, "EXISTS (SELECT 1 FROM bookings t1 WHERE t1.id = t0.booking_id AND t1.owner = ?)", got)
}

func TestWherePostgresPlaceholders(t *testing.T) {
	t.Parallel()
	sch := testSchema(t)
	booking, _ := sch.Model("Booking")

	b := newBuilder(Postgres)
	f := guardrail.And(
		guardrail.Cond("owner", guardrail.CmpEQ, "alice"),
		guardrail.Cond("seats", guardrail.CmpGTE, 2),
	)
	got, err := b.where(booking, f, "t0")
	require.NoError(t, err)
	assert.Equal(t, "(t0.owner = $1 AND t0.seats >= $2)", got)
	assert.Equal(t, []any{"alice", 2}, b.args)
}

func TestWhereErrors(t *testing.T) {
	t.Parallel()
	sch := testSchema(t)
	booking, _ := sch.Model("Booking")

	t.Run("unknown_field", func(t *testing.T) {
		t.Parallel()
		_, err := newBuilder(SQLite).where(booking, guardrail.Cond("ghost", guardrail.CmpEQ, 1), "t0")
		assert.Error(t, err)
	})
	t.Run("relation_as_cond_field", func(t *testing.T) {
		t.Parallel()
		_, err := newBuilder(SQLite).where(booking, guardrail.Cond("invites", guardrail.CmpEQ, 1), "t0")
		assert.Error(t, err)
	})
	t.Run("scalar_as_some_relation", func(t *testing.T) {
		t.Parallel()
		_, err := newBuilder(SQLite).where(booking, guardrail.Some("owner", nil), "t0")
		assert.Error(t, err)
	})
}
