package supervisor

import (
	"fmt"
	"regexp"
	"strings"

	hdwallet "github.com/miguelmota/go-ethereum-hdwallet"
	"gopkg.in/yaml.v3"

	"github.com/betbot/edgebot/pkg/config"
	"github.com/betbot/edgebot/pkg/secretstore"
)

// Credentials are the signing identity a strategy worker runs with.
type Credentials struct {
	PrivateKey string
	Funder     string
}

// CredentialSource resolves per-strategy wallet credentials at spawn time.
type CredentialSource func(strat config.StrategyConfig) (Credentials, error)

type derivedWallet struct {
	privateKeyHex string
	eoaAddress    string
}

var accountIDRe = regexp.MustCompile(`^\d{3}$`)

func normalizeAccountID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if !accountIDRe.MatchString(id) {
		return "", fmt.Errorf("account_id must be 3 digits (e.g. 456)")
	}
	return id, nil
}

// derivationPathFromAccountID maps "456" -> "m/44'/60'/4'/5/6"
func derivationPathFromAccountID(id string) (string, error) {
	id, err := normalizeAccountID(id)
	if err != nil {
		return "", err
	}
	d0, d1, d2 := id[0], id[1], id[2]
	return fmt.Sprintf("m/44'/60'/%c'/%c/%c", d0, d1, d2), nil
}

func deriveWalletFromMnemonic(mnemonic string, derivationPath string) (*derivedWallet, error) {
	mnemonic = strings.TrimSpace(mnemonic)
	derivationPath = strings.TrimSpace(derivationPath)
	if mnemonic == "" {
		return nil, fmt.Errorf("mnemonic is required")
	}
	if derivationPath == "" {
		return nil, fmt.Errorf("derivation_path is required")
	}

	w, err := hdwallet.NewFromMnemonic(mnemonic)
	if err != nil {
		return nil, fmt.Errorf("invalid mnemonic: %w", err)
	}

	path, err := hdwallet.ParseDerivationPath(derivationPath)
	if err != nil {
		return nil, fmt.Errorf("invalid derivation_path: %w", err)
	}

	acct, err := w.Derive(path, false)
	if err != nil {
		return nil, fmt.Errorf("derive failed: %w", err)
	}

	pk, err := w.PrivateKeyHex(acct)
	if err != nil {
		return nil, fmt.Errorf("private key failed: %w", err)
	}

	return &derivedWallet{
		privateKeyHex: pk,
		eoaAddress:    strings.ToLower(acct.Address.Hex()),
	}, nil
}

// WalletCredentials reads the mnemonic out of the encrypted secret store and
// returns a source that derives one wallet per strategy account id. The store
// is closed before returning so mnemonic-init and a running supervisor never
// fight over the Badger lock; the phrase stays in supervisor memory only.
func WalletCredentials(secretsPath string) (CredentialSource, error) {
	key, err := secretstore.MasterKeyFromEnv()
	if err != nil {
		return nil, err
	}
	st, err := secretstore.Open(secretstore.OpenOptions{Path: secretsPath, EncryptionKey: key})
	if err != nil {
		return nil, fmt.Errorf("open secret store: %w", err)
	}
	mnemonic, ok, err := st.GetString(secretstore.MnemonicKey)
	_ = st.Close()
	if err != nil {
		return nil, err
	}
	mnemonic = strings.TrimSpace(mnemonic)
	if !ok || mnemonic == "" {
		return nil, fmt.Errorf("mnemonic not found in secret store %s (run mnemonic-init first)", secretsPath)
	}
	return MnemonicCredentials(mnemonic), nil
}

// MnemonicCredentials derives per-strategy wallets from an in-memory phrase.
func MnemonicCredentials(mnemonic string) CredentialSource {
	return func(strat config.StrategyConfig) (Credentials, error) {
		path, err := derivationPathFromAccountID(strat.AccountID)
		if err != nil {
			return Credentials{}, fmt.Errorf("strategy %s: %w", strat.Name, err)
		}
		w, err := deriveWalletFromMnemonic(mnemonic, path)
		if err != nil {
			return Credentials{}, fmt.Errorf("strategy %s: %w", strat.Name, err)
		}
		return Credentials{PrivateKey: w.privateKeyHex, Funder: w.eoaAddress}, nil
	}
}

// renderRuntimeConfig produces the YAML one strategy worker boots from: the
// base config narrowed to that strategy, wallet credentials injected. The
// result travels over memfd or a 0600 temp file, never the regular config
// on disk.
func renderRuntimeConfig(base *config.Config, strat config.StrategyConfig, creds Credentials) (string, error) {
	rt := *base
	rt.Strategies = []config.StrategyConfig{strat}
	if pk := strings.TrimSpace(creds.PrivateKey); pk != "" {
		rt.Exchange.PrivateKey = pk
	}
	// 配置里显式给的 funder（代理钱包）优先，派生 EOA 只作缺省
	if rt.Exchange.Funder == "" {
		rt.Exchange.Funder = strings.TrimSpace(creds.Funder)
	}
	// Worker stdout/stderr already land in logs/<name>.log; a second file
	// sink would double every line.
	rt.Log.File = ""

	out, err := yaml.Marshal(&rt)
	if err != nil {
		return "", err
	}
	// Validate the rendered document exactly the way the worker will read it.
	check := config.Default()
	if err := yaml.Unmarshal(out, check); err != nil {
		return "", err
	}
	if err := check.Validate(); err != nil {
		return "", err
	}
	return string(out), nil
}
