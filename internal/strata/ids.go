package strata

import (
	"bytes"
	"fmt"
)

// IDs is an ordered list of IDs that implements sort.Interface.
type IDs []ID

func (ids IDs) Len() int {
	return len(ids)
}

func (ids IDs) Less(i, j int) bool {
	return bytes.Compare(ids[i][:], ids[j][:]) < 0
}

func (ids IDs) Swap(i, j int) {
	ids[i], ids[j] = ids[j], ids[i]
}

func (ids IDs) String() string {
	elements := make([]shortID, 0, len(ids))
	for _, id := range ids {
		elements = append(elements, shortID(id))
	}
	return fmt.Sprintf("%v", elements)
}

type shortID ID

func (id shortID) String() string {
	return ID(id).Str()
}
