//go:build !linux && !windows

package platform

func NewVeto(bool) Veto {
	return LogVeto{}
}

// Personal.AI order the ending
