package kernelmodule

import "github.com/coredbg/lkdiscover/internal/target"

// tryMembers implements the "try member A, else try member B" pattern
// of the kernel-walk backends. Candidate names are tried in order; the
// first one that does not fail with a lookup miss wins. Any non-lookup
// error aborts immediately and propagates to the caller.
// readModuleCoreLayout uses it for core_layout; readSectionName applies
// the same lookup-miss check inline for battr.
func tryMembers(obj target.Object, names ...string) (target.Object, string, error) {
	var lastErr error
	for _, name := range names {
		member, err := obj.Member(name)
		if err == nil {
			return member, name, nil
		}
		if !target.IsLookupMiss(err) {
			return nil, "", err
		}
		lastErr = err
	}
	return nil, "", lastErr
}

// tryMemberDereference is tryMembers for the MemberDereference operation,
// used when the member itself is a pointer that must be followed in the
// same step (e.g. module->sect_attrs).
func tryMemberDereference(obj target.Object, names ...string) (target.Object, string, error) {
	var lastErr error
	for _, name := range names {
		member, err := obj.MemberDereference(name)
		if err == nil {
			return member, name, nil
		}
		if !target.IsLookupMiss(err) {
			return nil, "", err
		}
		lastErr = err
	}
	return nil, "", lastErr
}
