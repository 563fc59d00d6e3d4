package store

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Root is the remote path of the tree root.
const Root = "/"

// Resolve maps a POSIX path inside the mount to a remote path. The mount root
// is the tree root; every other path is appended to it verbatim, so /a/b
// becomes //a/b.
func Resolve(posixPath string) string {
	p := norm.NFC.String(posixPath)
	if p == "" || p == "/" {
		return Root
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return Root + strings.TrimSuffix(p, "/")
}

// JoinChild returns the remote path of child name under parent.
func JoinChild(parent, name string) string {
	if parent == Root {
		return Root + "/" + name
	}
	return parent + "/" + name
}

// Split returns the parent path and base name of a remote path. The root has
// no parent and an empty name.
func Split(remotePath string) (parent, name string) {
	if remotePath == Root || remotePath == "" {
		return "", ""
	}
	i := strings.LastIndex(remotePath, "/")
	parent, name = remotePath[:i], remotePath[i+1:]
	if parent == "/" {
		parent = Root
	}
	return parent, name
}
