package message

import (
	"sort"
	"strings"
)

// JoinInstanceIDs encodes ids as "|a||b|"
func JoinInstanceIDs(ids ...string) string {
	var b strings.Builder
	for _, id := range ids {
		b.WriteByte('|')
		b.WriteString(id)
		b.WriteByte('|')
	}
	return b.String()
}

// SplitInstanceIDs decodes "|a||b|" into its ids
func SplitInstanceIDs(s string) []string {
	var ids []string
	for _, part := range strings.Split(s, "|") {
		if part != "" {
			ids = append(ids, part)
		}
	}
	return ids
}

// ContainsInstanceID reports whether the encoded list names id or is "*"
func ContainsInstanceID(s, id string) bool {
	return s == "*" || strings.Contains(s, "|"+id+"|")
}

// JoinSlotFunctions encodes instance → slot names as "|a:s1,s2||b:s3|",
// instances in sorted order.
func JoinSlotFunctions(slots map[string][]string) string {
	ids := make([]string, 0, len(slots))
	for id := range slots {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var b strings.Builder
	for _, id := range ids {
		b.WriteByte('|')
		b.WriteString(id)
		b.WriteByte(':')
		b.WriteString(strings.Join(slots[id], ","))
		b.WriteByte('|')
	}
	return b.String()
}

// SplitSlotFunctions decodes "|a:s1,s2||b:s3|"
func SplitSlotFunctions(s string) map[string][]string {
	out := make(map[string][]string)
	for _, part := range strings.Split(s, "|") {
		id, fns, ok := strings.Cut(part, ":")
		if !ok || id == "" {
			continue
		}
		for _, fn := range strings.Split(fns, ",") {
			if fn != "" {
				out[id] = append(out[id], fn)
			}
		}
	}
	return out
}
