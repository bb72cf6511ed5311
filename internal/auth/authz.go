package auth

// AdminRole grants access to the administration endpoints.
const AdminRole = "ADMINS"

// Authorized reports whether a principal may access a service. An
// unsecured service admits everyone, including anonymous requests
// (nil principal). A secured service requires a principal sharing at
// least one role with the service.
func Authorized(p *Principal, secured bool, serviceRoles []string) bool {
	if !secured {
		return true
	}
	if p == nil {
		return false
	}
	for _, have := range p.Roles {
		for _, want := range serviceRoles {
			if have == want {
				return true
			}
		}
	}
	return false
}

// IsAdmin reports whether the principal carries the admin role.
func IsAdmin(p *Principal) bool {
	return p != nil && Authorized(p, true, []string{AdminRole})
}
