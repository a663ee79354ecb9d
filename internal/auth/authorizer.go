package auth

import (
	"errors"
	"fmt"

	"github.com/casbin/casbin"
)

var ErrDenied = errors.New("permission denied")

// Accepts ACL model and policy files
func New(model, policy string) *Authorizer {
	enforcer := casbin.NewEnforcer(model, policy)
	return &Authorizer{enforcer}
}

// Authorizer grants privileges beyond a principal's own transactions
type Authorizer struct {
	enforcer *casbin.Enforcer
}

func (this *Authorizer) Authorize(subject, object, action string) error {
	if subject == "" || !this.enforcer.Enforce(subject, object, action) {
		return fmt.Errorf("%w: %q may not %s %s", ErrDenied, subject, action, object)
	}

	return nil
}
