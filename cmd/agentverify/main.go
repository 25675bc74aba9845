package main

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"agentmarket/internal/inft"

	"github.com/spf13/pflag"
)

func main() {
	var (
		filePath     string
		keysURL      string
		keysFile     string
		metadataPath string
		keygen       bool
	)
	flagSet := pflag.NewFlagSet("agentverify", pflag.ContinueOnError)
	flagSet.StringVar(&filePath, "file", "", "certified agent JSON to verify ('-' for stdin)")
	flagSet.StringVar(&keysURL, "keys-url", "", "platform signing keyset URL (e.g. http://localhost:8080/v1/platform/signing-keys)")
	flagSet.StringVar(&keysFile, "keys-file", "", "keyset JSON file (same shape as /v1/platform/signing-keys)")
	flagSet.StringVar(&metadataPath, "metadata", "", "decrypted metadata JSON to check against metadata_hash (optional)")
	flagSet.BoolVar(&keygen, "keygen", false, "print a new platform signing keypair and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		os.Exit(2)
	}

	if keygen {
		if err := printKeypair(os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, "keygen:", err)
			os.Exit(1)
		}
		return
	}

	if strings.TrimSpace(filePath) == "" {
		fmt.Fprintln(os.Stderr, "missing --file")
		os.Exit(2)
	}
	if strings.TrimSpace(keysURL) == "" && strings.TrimSpace(keysFile) == "" {
		fmt.Fprintln(os.Stderr, "missing --keys-url or --keys-file")
		os.Exit(2)
	}

	doc, err := readInput(filePath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read document:", err)
		os.Exit(1)
	}
	ks, err := loadKeyset(keysURL, keysFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load keyset:", err)
		os.Exit(1)
	}

	if err := ks.VerifyDocument(doc, time.Now()); err != nil {
		fmt.Fprintln(os.Stderr, "verify failed:", err)
		os.Exit(1)
	}
	if metadataPath != "" {
		if err := checkMetadata(doc, metadataPath); err != nil {
			fmt.Fprintln(os.Stderr, "metadata check failed:", err)
			os.Exit(1)
		}
	}
	fmt.Println("OK")
}

// printKeypair emits the private key in the form the api reads from
// AGENTMARKET_PLATFORM_SIGNING_KEY, plus its public half.
func printKeypair(w io.Writer) error {
	pub, priv, err := inft.GenerateKeypair()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "AGENTMARKET_PLATFORM_SIGNING_KEY=%s\npublic_key=%s\n",
		base64.StdEncoding.EncodeToString(priv), inft.EncodePublicKey(pub))
	return err
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func loadKeyset(url, path string) (inft.Keyset, error) {
	var (
		b   []byte
		err error
	)
	if strings.TrimSpace(path) != "" {
		b, err = os.ReadFile(path)
	} else {
		b, err = fetch(url)
	}
	if err != nil {
		return inft.Keyset{}, err
	}
	var ks inft.Keyset
	if err := json.Unmarshal(b, &ks); err != nil {
		return inft.Keyset{}, err
	}
	return ks, nil
}

func fetch(url string) ([]byte, error) {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("http %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}

// checkMetadata re-canonicalizes the downloaded metadata, since transport
// may have changed its byte layout, and compares its hash.
func checkMetadata(doc []byte, path string) error {
	var head struct {
		MetadataHash string `json:"metadata_hash"`
	}
	if err := json.Unmarshal(doc, &head); err != nil {
		return err
	}
	if head.MetadataHash == "" {
		return errors.New("document has no metadata_hash")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	canonical, err := inft.CanonicalJSON(json.RawMessage(raw))
	if err != nil {
		return fmt.Errorf("canonicalize metadata: %w", err)
	}
	if got := inft.MetadataHash(canonical); got != head.MetadataHash {
		return fmt.Errorf("hash %s does not match %s", got, head.MetadataHash)
	}
	return nil
}
