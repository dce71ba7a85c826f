// Command anumate runs the automation control plane: the /v1 API,
// orchestrator, approval sweeper and supporting stores.
package main

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/anumate/control-plane/pkg/canonicalize"
	"github.com/anumate/control-plane/pkg/crypto"
	"github.com/anumate/control-plane/pkg/receipts"

	_ "github.com/lib/pq" // Postgres driver
)

const version = "1.0.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable so tests can stub the long-running server.
var startServer = runServer

// Run dispatches the subcommand and returns the process exit code.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return startServer(stderr)
	}

	switch args[1] {
	case "serve", "server":
		return startServer(stderr)
	case "keygen":
		return runKeygen(stdout, stderr)
	case "verify-receipt":
		return runVerifyReceipt(args[2:], stdout, stderr)
	case "health":
		return runHealth(args[2:], stdout, stderr)
	case "version":
		fmt.Fprintln(stdout, "anumate control plane", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			return startServer(stderr)
		}
		fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: anumate <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve           Run the control plane server (default)")
	fmt.Fprintln(w, "  keygen          Generate a master signing secret and derived public keys")
	fmt.Fprintln(w, "  verify-receipt  Verify a receipt file against a public key")
	fmt.Fprintln(w, "  health          Check server health over HTTP")
	fmt.Fprintln(w, "  version         Show version information")
	fmt.Fprintln(w, "  help            Show this help")
}

// runKeygen prints a fresh master secret and the verification keys the
// server would derive from it.
func runKeygen(stdout, stderr io.Writer) int {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		fmt.Fprintf(stderr, "keygen: %v\n", err)
		return 1
	}

	tokenSigner, err := crypto.NewDerivedSigner(secret, crypto.PurposeCapTokens)
	if err != nil {
		fmt.Fprintf(stderr, "keygen: %v\n", err)
		return 1
	}
	receiptSigner, err := crypto.NewDerivedSigner(secret, crypto.PurposeReceipts)
	if err != nil {
		fmt.Fprintf(stderr, "keygen: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "master_secret:      %s\n", hex.EncodeToString(secret))
	fmt.Fprintf(stdout, "captoken_pubkey:    %s\n", tokenSigner.PublicKey())
	fmt.Fprintf(stdout, "receipt_pubkey:     %s\n", receiptSigner.PublicKey())
	fmt.Fprintln(stdout, "")
	fmt.Fprintln(stdout, "Export the secret and point SIGNING_KEY_REF at it, e.g.")
	fmt.Fprintln(stdout, "  export ANUMATE_MASTER_SECRET=<master_secret>")
	fmt.Fprintln(stdout, "  export SIGNING_KEY_REF=env:ANUMATE_MASTER_SECRET")
	return 0
}

// runVerifyReceipt checks a stored receipt offline: content hash first,
// then the Ed25519 signature.
func runVerifyReceipt(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify-receipt", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		receiptPath string
		publicKey   string
		jsonOutput  bool
	)
	cmd.StringVar(&receiptPath, "receipt", "", "Path to the receipt JSON file (REQUIRED)")
	cmd.StringVar(&publicKey, "pubkey", "", "Hex-encoded Ed25519 public key (REQUIRED)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if receiptPath == "" || publicKey == "" {
		fmt.Fprintln(stderr, "verify-receipt: --receipt and --pubkey are required")
		cmd.Usage()
		return 2
	}

	data, err := os.ReadFile(receiptPath)
	if err != nil {
		fmt.Fprintf(stderr, "verify-receipt: %v\n", err)
		return 1
	}
	var receipt receipts.Receipt
	if err := json.Unmarshal(data, &receipt); err != nil {
		fmt.Fprintf(stderr, "verify-receipt: parse receipt: %v\n", err)
		return 1
	}

	valid := true
	reason := ""
	recomputed, err := canonicalize.Hash(receipt.Payload)
	switch {
	case err != nil:
		valid, reason = false, "payload not canonicalizable"
	case recomputed != receipt.ContentHash:
		valid, reason = false, "content hash mismatch"
	default:
		ok, verr := crypto.Verify(publicKey, receipt.Signature, []byte(receipt.ContentHash))
		if verr != nil {
			valid, reason = false, "signature malformed: "+verr.Error()
		} else if !ok {
			valid, reason = false, "signature verification failed"
		}
	}

	if jsonOutput {
		out, _ := json.MarshalIndent(map[string]any{
			"receipt_id": receipt.ID,
			"run_id":     receipt.Payload.RunID,
			"valid":      valid,
			"reason":     reason,
		}, "", "  ")
		fmt.Fprintln(stdout, string(out))
	} else if valid {
		fmt.Fprintf(stdout, "receipt %s verified (run %s)\n", receipt.ID, receipt.Payload.RunID)
	} else {
		fmt.Fprintf(stdout, "receipt %s INVALID: %s\n", receipt.ID, reason)
	}
	if !valid {
		return 1
	}
	return 0
}

func runHealth(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("health", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var addr string
	cmd.StringVar(&addr, "addr", "http://localhost:8080", "Server base URL")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	resp, err := http.Get(addr + "/health")
	if err != nil {
		fmt.Fprintf(stderr, "health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(stderr, "health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	fmt.Fprintln(stdout, "OK")
	return 0
}
