package queue

import (
	"testing"

	"github.com/angelmondragon/fieldsync/pkg/enums"
)

func TestMerge(t *testing.T) {
	tests := []struct {
		name      string
		existing  enums.OpKind
		next      enums.OpKind
		attempted bool
		want      enums.OpKind
		drop      bool
	}{
		{name: "create then update stays create", existing: enums.OpCreate, next: enums.OpUpdate, want: enums.OpCreate},
		{name: "unsent create then delete cancels", existing: enums.OpCreate, next: enums.OpDelete, drop: true},
		{name: "attempted create then delete sends delete", existing: enums.OpCreate, next: enums.OpDelete, attempted: true, want: enums.OpDelete},
		{name: "update then update", existing: enums.OpUpdate, next: enums.OpUpdate, want: enums.OpUpdate},
		{name: "update then delete", existing: enums.OpUpdate, next: enums.OpDelete, want: enums.OpDelete},
		{name: "delete then put revives as update", existing: enums.OpDelete, next: enums.OpUpdate, want: enums.OpUpdate},
		{name: "delete then delete", existing: enums.OpDelete, next: enums.OpDelete, want: enums.OpDelete},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, drop := Merge(tt.existing, tt.next, tt.attempted)
			if drop != tt.drop {
				t.Fatalf("drop = %v want %v", drop, tt.drop)
			}
			if !drop && got != tt.want {
				t.Fatalf("merged = %s want %s", got, tt.want)
			}
		})
	}
}

func TestSlotOp(t *testing.T) {
	if SlotOp(enums.OpCreate) != enums.OpUpdate {
		t.Fatal("a put behind an in-flight entry must become an update")
	}
	if SlotOp(enums.OpDelete) != enums.OpDelete {
		t.Fatal("delete must stay delete")
	}
}
