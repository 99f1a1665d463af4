package main

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// tokengen mints a throwaway RSA keypair plus a signed RS256 bearer token
// for exercising the rollout API in jwt auth mode. Point
// ROLLOUT_AUTH_PUBLIC_KEY_FILE at the written PEM and pass the token to
// rolloutctl --token.

// b64u is base64url no padding
func b64u(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

func must(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
}

func main() {
	issuer := flag.String("issuer", "https://rollout-dev", "token issuer (iss)")
	scope := flag.String("scope", "rollout:write", "scope claim granted to the token")
	subject := flag.String("sub", "rolloutctl-dev", "token subject (sub)")
	keyOut := flag.String("key-out", "devops/certs/rollout_signer.pem", "public key PEM output path")
	tokenOut := flag.String("token-out", "devops/certs/dev_token.txt", "signed token output path")
	expSecs := flag.Int("exp-secs", 3600, "token expiry in seconds")
	flag.Parse()

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	must(err)

	pubASN1, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	must(err)
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubASN1})

	must(os.MkdirAll(filepath.Dir(*keyOut), 0o755))
	must(os.WriteFile(*keyOut, pemBytes, 0o644))
	fmt.Printf("wrote public key -> %s\n", *keyOut)

	header := map[string]interface{}{"alg": "RS256", "typ": "JWT"}
	now := time.Now().Unix()
	payload := map[string]interface{}{
		"iss":   *issuer,
		"sub":   *subject,
		"scope": *scope,
		"iat":   now,
		"exp":   now + int64(*expSecs),
	}

	hb, err := json.Marshal(header)
	must(err)
	pb, err := json.Marshal(payload)
	must(err)

	signingInput := b64u(hb) + "." + b64u(pb)
	hashed := sha256.Sum256([]byte(signingInput))

	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, hashed[:])
	must(err)

	token := signingInput + "." + b64u(sig)

	must(os.MkdirAll(filepath.Dir(*tokenOut), 0o755))
	must(os.WriteFile(*tokenOut, []byte(token+"\n"), 0o600))
	fmt.Printf("wrote token -> %s (expires in %ds)\n", *tokenOut, *expSecs)
}
