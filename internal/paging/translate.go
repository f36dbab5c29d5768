package paging

import "fmt"

// Translation describes where a virtual page lands and what the leaf entry
// allows. Intermediate entries are always writable and executable, so the
// leaf alone decides.
type Translation struct {
	Phys     uint64
	PageSize uint64
	Writable bool
	NoExec   bool
}

// Translate walks the tables the way the MMU would. It reports ErrNotMapped
// for holes.
func (as *AddressSpace) Translate(virt uint64) (Translation, error) {
	if !canonical(virt) {
		return Translation{}, fmt.Errorf("virtual address %#x not canonical", virt)
	}

	i4, i3, i2, i1 := tableIndices(virt)

	e, err := as.readEntry(as.root, i4)
	if err != nil {
		return Translation{}, err
	}
	if e&p == 0 {
		return Translation{}, fmt.Errorf("%#x: %w", virt, ErrNotMapped)
	}

	e, err = as.readEntry(e&addrMask, i3)
	if err != nil {
		return Translation{}, err
	}
	if e&p == 0 {
		return Translation{}, fmt.Errorf("%#x: %w", virt, ErrNotMapped)
	}

	e, err = as.readEntry(e&addrMask, i2)
	if err != nil {
		return Translation{}, err
	}
	if e&p == 0 {
		return Translation{}, fmt.Errorf("%#x: %w", virt, ErrNotMapped)
	}
	if e&ps != 0 {
		return Translation{
			Phys:     e&addrMask&^uint64(twoMiB-1) | virt&(twoMiB-1)&^uint64(pageSize-1),
			PageSize: twoMiB,
			Writable: e&rw != 0,
			NoExec:   e&nx != 0,
		}, nil
	}

	e, err = as.readEntry(e&addrMask, i1)
	if err != nil {
		return Translation{}, err
	}
	if e&p == 0 {
		return Translation{}, fmt.Errorf("%#x: %w", virt, ErrNotMapped)
	}

	return Translation{
		Phys:     e & addrMask,
		PageSize: pageSize,
		Writable: e&rw != 0,
		NoExec:   e&nx != 0,
	}, nil
}
