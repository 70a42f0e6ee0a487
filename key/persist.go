package key

import (
	"crypto/ed25519"
	"fmt"
	"os"
	"path"

	"github.com/tidalmesh/elderd/fs"
)

// NetworkKeyFile and RewardKeyFile name the two key-material files spec.md
// §6 lists under persisted state: the network_keypair backs a node's
// addressable Identity (rewritten whenever that identity changes, e.g.
// after relocation); the reward_keypair is an independent keypair created
// once and left untouched across the node's lifetime.
const (
	NetworkKeyFile = "network_keypair"
	RewardKeyFile  = "reward_keypair"
)

// SavePair writes p to dir/NetworkKeyFile: the raw ed25519 private key
// followed by p.Public.Encode(), through fs.NewSecureFile so the file lands
// at 0600 like every other secret under a node's data directory. Called on
// first generation and again whenever the identity changes (relocation
// rewrites Addr and re-signs).
func SavePair(dir string, p *Pair) error {
	fs.EnsureSecureDir(dir)
	f, err := fs.NewSecureFile(path.Join(dir, NetworkKeyFile))
	if err != nil {
		return fmt.Errorf("key: save network keypair: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(p.Private); err != nil {
		return fmt.Errorf("key: write network private key: %w", err)
	}
	if _, err := f.Write(p.Public.Encode()); err != nil {
		return fmt.Errorf("key: write network identity: %w", err)
	}
	return nil
}

// LoadPair reads a Pair previously written by SavePair from dir, or
// (false, nil, nil) if no such file exists yet (create-on-absent: the
// caller should generate and persist a fresh one with SavePair).
func LoadPair(dir string) (bool, *Pair, error) {
	p := path.Join(dir, NetworkKeyFile)
	exists, err := fs.PathExists(p)
	if err != nil {
		return false, nil, fmt.Errorf("key: stat network keypair: %w", err)
	}
	if !exists {
		return false, nil, nil
	}
	b, err := os.ReadFile(p)
	if err != nil {
		return false, nil, fmt.Errorf("key: read network keypair: %w", err)
	}
	if len(b) < ed25519.PrivateKeySize {
		return false, nil, fmt.Errorf("key: network keypair file too short")
	}
	priv := append(ed25519.PrivateKey{}, b[:ed25519.PrivateKeySize]...)
	id, err := DecodeIdentity(b[ed25519.PrivateKeySize:])
	if err != nil {
		return false, nil, fmt.Errorf("key: decode network identity: %w", err)
	}
	return true, &Pair{Private: priv, Public: id}, nil
}

// EnsureRewardKey loads dir/RewardKeyFile if present, else generates and
// persists a fresh ed25519 keypair (create-on-absent per spec.md §6). The
// reward key is never rewritten once created: it identifies this node's
// reward recipient independently of its network identity's own lifecycle.
func EnsureRewardKey(dir string) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	p := path.Join(dir, RewardKeyFile)
	exists, err := fs.PathExists(p)
	if err != nil {
		return nil, nil, fmt.Errorf("key: stat reward keypair: %w", err)
	}
	if exists {
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, nil, fmt.Errorf("key: read reward keypair: %w", err)
		}
		if len(b) != ed25519.PrivateKeySize {
			return nil, nil, fmt.Errorf("key: reward keypair file malformed")
		}
		priv := ed25519.PrivateKey(append([]byte{}, b...))
		return priv.Public().(ed25519.PublicKey), priv, nil
	}

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, nil, fmt.Errorf("key: generate reward keypair: %w", err)
	}
	fs.EnsureSecureDir(dir)
	f, err := fs.NewSecureFile(p)
	if err != nil {
		return nil, nil, fmt.Errorf("key: save reward keypair: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(priv); err != nil {
		return nil, nil, fmt.Errorf("key: write reward keypair: %w", err)
	}
	return pub, priv, nil
}
