package model

import (
	"regexp"
	"slices"
	"strings"
)

var rngCall = regexp.MustCompile(`\$\(\s*gennrand_[a-z_]+`)

// usesRNG reports whether a code fragment draws random numbers.
func usesRNG(code string) bool {
	return rngCall.MatchString(code)
}

// usesFunction reports whether code calls the named substitution function.
func usesFunction(code, name string) bool {
	idx := 0
	for {
		i := strings.Index(code[idx:], "$(")
		if i < 0 {
			return false
		}
		rest := strings.TrimLeft(code[idx+i+2:], " \t")
		if strings.HasPrefix(rest, name) {
			tail := rest[len(name):]
			tail = strings.TrimLeft(tail, " \t")
			if strings.HasPrefix(tail, ",") || strings.HasPrefix(tail, ")") {
				return true
			}
		}
		idx += i + 2
	}
}

// referenced reports whether $(name) appears in any of the code fragments.
func referenced(name string, code ...string) bool {
	for _, c := range code {
		if usesFunction(c, name) {
			return true
		}
	}
	return false
}

func sortParams(params []KernelParam) []KernelParam {
	slices.SortFunc(params, func(a, b KernelParam) int {
		return strings.Compare(a.Name, b.Name)
	})
	return slices.CompactFunc(params, func(a, b KernelParam) bool {
		return a.Name == b.Name
	})
}
