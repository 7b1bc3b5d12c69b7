package policy

import (
	"bufio"
	"context"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/ssh"
)

// LocalPolicy authorizes against each system user's own
// ~/.ssh/authorized_keys, the way OpenSSH itself does by default. It has no
// notion of roles or access requests — it is the minimal collaborator
// needed to make the monitor runnable standalone, not a replacement for a
// real authorization backend.
type LocalPolicy struct {
	// lookupUser resolves a system username to its account record. A nil
	// value (the zero LocalPolicy{}) uses os/user.Lookup; tests substitute
	// a fake pointed at a scratch home directory so they never have to
	// touch a real user's ~/.ssh.
	lookupUser func(username string) (*user.User, error)
}

var _ Policy = LocalPolicy{}

func (l LocalPolicy) lookup(username string) (*user.User, error) {
	if l.lookupUser != nil {
		return l.lookupUser(username)
	}
	return user.Lookup(username)
}

func (l LocalPolicy) CheckPubkey(_ context.Context, req CheckPubkeyRequest) (bool, error) {
	u, err := l.lookup(req.User)
	if err != nil {
		return false, trace.NotFound("no such user %q", req.User)
	}
	keys, err := authorizedKeys(req.User, u.HomeDir)
	if err != nil {
		return false, trace.Wrap(err)
	}
	_, ok := keys[string(req.Pubkey.Marshal())]
	return ok, nil
}

func (l LocalPolicy) VerifySignature(ctx context.Context, req VerifySignatureRequest) (*SystemUser, error) {
	ok, err := l.CheckPubkey(ctx, CheckPubkeyRequest{
		User:          req.User,
		SessionID:     req.SessionID,
		PubkeyAlgName: req.PubkeyAlgName,
		Pubkey:        req.Pubkey,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !ok {
		return nil, nil
	}

	sig := &ssh.Signature{
		Format: req.PubkeyAlgName,
		Blob:   req.Signature,
	}
	if err := req.Pubkey.Verify(req.SessionID[:], sig); err != nil {
		return nil, nil
	}

	u, err := l.lookup(req.User)
	if err != nil {
		return nil, nil
	}
	return systemUserFrom(u)
}

func authorizedKeys(username, homeDir string) (map[string]bool, error) {
	raw, err := os.ReadFile(filepath.Join(homeDir, ".ssh", "authorized_keys"))
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]bool{}, nil
		}
		return nil, trace.Wrap(err, "reading authorized_keys for %q", username)
	}

	keys := map[string]bool{}
	for len(raw) > 0 {
		key, _, _, rest, err := ssh.ParseAuthorizedKey(raw)
		if err != nil {
			return nil, trace.Wrap(err, "parsing authorized_keys for %q", username)
		}
		keys[string(key.Marshal())] = true
		raw = rest
	}
	return keys, nil
}

func systemUserFrom(u *user.User) (*SystemUser, error) {
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return nil, trace.Wrap(err, "parsing uid %q", u.Uid)
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return nil, trace.Wrap(err, "parsing gid %q", u.Gid)
	}
	return &SystemUser{
		Name:  u.Username,
		UID:   uint32(uid),
		GID:   uint32(gid),
		Home:  u.HomeDir,
		Shell: loginShell(u.Username),
	}, nil
}

// loginShell reads the shell field for username out of /etc/passwd.
// os/user does not expose it: the standard library's User struct stops at
// home directory.
func loginShell(username string) string {
	const fallback = "/bin/sh"
	f, err := os.Open("/etc/passwd")
	if err != nil {
		return fallback
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), ":")
		if len(fields) == 7 && fields[0] == username {
			return fields[6]
		}
	}
	return fallback
}
