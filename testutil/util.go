package testutil

import (
	"path/filepath"
	"runtime"

	"github.com/google/uuid"

	"reconciler/webhook"
)

// ACL files shipped in the repository's config directory
var (
	ACLModelFile  = repoFile("config", "model.conf")
	ACLPolicyFile = repoFile("config", "policy.csv")
)

func repoFile(elem ...string) string {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		panic("locating testutil")
	}
	root := filepath.Dir(filepath.Dir(file))
	return filepath.Join(append([]string{root}, elem...)...)
}

func NewUUID() string {
	id := uuid.New()
	return id.String()
}

// Sign returns the signature header value for body
func Sign(body []byte, secret string) string {
	return webhook.Sign(body, secret)
}
