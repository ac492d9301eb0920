// Command gatewayctl issues development tokens and signs or verifies
// callback payloads the way the gateway does.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"mcpgate.org/internal/auth"
	"mcpgate.org/internal/signing"
)

var osExit = os.Exit

func main() {
	_ = godotenv.Load()
	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "gatewayctl:", err)
		osExit(1)
	}
}

func run(args []string, in io.Reader, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errors.New("command required")
	}
	switch args[0] {
	case "token":
		return issueToken(args[1:], out)
	case "sign":
		return sign(args[1:], in, out)
	case "verify":
		return verify(args[1:], in, out)
	default:
		usage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "gatewayctl commands:")
	fmt.Fprintln(out, "  token --user <id> [--roles platform_admin] [--ttl 1h]   (uses MCPGATE_AUTH_SECRET)")
	fmt.Fprintln(out, "  sign --secret <s> [--file body.json]                    prints X-MCP-Signature")
	fmt.Fprintln(out, "  verify --secret <s> --signature <hex> [--file body.json]")
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func issueToken(args []string, out io.Writer) error {
	fs := newFlagSet("token")
	user := fs.String("user", "", "subject (must match X-User-Id)")
	roles := fs.String("roles", "", "comma separated token roles")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	secret := fs.String("secret", os.Getenv("MCPGATE_AUTH_SECRET"), "HS256 signing secret")
	issuer := fs.String("issuer", envOr("MCPGATE_AUTH_ISSUER", "mcpgate"), "token issuer")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *user == "" {
		return errors.New("--user is required")
	}

	v, err := auth.NewVerifier(*secret, *issuer)
	if err != nil {
		return err
	}
	var list []string
	for _, r := range strings.Split(*roles, ",") {
		if r = strings.TrimSpace(r); r != "" {
			list = append(list, r)
		}
	}
	token, err := v.Issue(*user, list, *ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, token)
	return nil
}

func sign(args []string, in io.Reader, out io.Writer) error {
	fs := newFlagSet("sign")
	secret := fs.String("secret", "", "provider secret")
	file := fs.String("file", "", "body file (stdin when empty)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *secret == "" {
		return errors.New("--secret is required")
	}
	body, err := readBody(*file, in)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, signing.Sign(*secret, body))
	return nil
}

func verify(args []string, in io.Reader, out io.Writer) error {
	fs := newFlagSet("verify")
	secret := fs.String("secret", "", "provider secret")
	signature := fs.String("signature", "", "value of "+signing.HeaderSignature)
	file := fs.String("file", "", "body file (stdin when empty)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *secret == "" || *signature == "" {
		return errors.New("--secret and --signature are required")
	}
	body, err := readBody(*file, in)
	if err != nil {
		return err
	}
	if !signing.Verify(*secret, body, *signature) {
		return errors.New("signature mismatch")
	}
	fmt.Fprintln(out, "ok")
	return nil
}

func readBody(file string, in io.Reader) ([]byte, error) {
	if file == "" {
		return io.ReadAll(in)
	}
	body, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", file, err)
	}
	return body, nil
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
