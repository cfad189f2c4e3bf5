package hypervisor

import (
	"strconv"
	"strings"
)

// VersionAtLeast compares two dotted version strings numerically and
// reports whether version >= minimum. Non-numeric components compare
// lexically; missing components count as zero.
func VersionAtLeast(version, minimum string) bool {
	return compareVersions(version, minimum) >= 0
}

func compareVersions(a, b string) int {
	as := strings.FieldsFunc(a, isSeparator)
	bs := strings.FieldsFunc(b, isSeparator)

	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		av, bv := "0", "0"
		if i < len(as) {
			av = as[i]
		}
		if i < len(bs) {
			bv = bs[i]
		}
		ai, aerr := strconv.Atoi(av)
		bi, berr := strconv.Atoi(bv)
		switch {
		case aerr == nil && berr == nil:
			if ai != bi {
				if ai < bi {
					return -1
				}
				return 1
			}
		default:
			if av != bv {
				if av < bv {
					return -1
				}
				return 1
			}
		}
	}
	return 0
}

func isSeparator(r rune) bool {
	return r == '.' || r == '-' || r == '_' || r == 'r'
}
