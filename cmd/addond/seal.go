package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/keithlinneman/linnemanlabs-addons/internal/codec"
	"github.com/keithlinneman/linnemanlabs-addons/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-addons/internal/remote"
	"github.com/keithlinneman/linnemanlabs-addons/internal/xerrors"
)

// runSeal encrypts extension source into the JSON body a distribution
// endpoint returns, for publishing and local testing.
//
//	addond seal -in tool.js [-sign-key KEY] > tool.json
func runSeal(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("seal", flag.ContinueOnError)
	fs.SetOutput(stderr)
	in := fs.String("in", "-", "source file, - for stdin")
	secret := fs.String("secret", os.Getenv("ADDOND_SECRET"), "content secret (default $ADDOND_SECRET)")
	signKey := fs.String("sign-key", "", "HMAC key used to sign the source (empty leaves it unsigned)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	resp, err := seal(*in, []byte(*secret), *signKey, stdin)
	if err != nil {
		fmt.Fprintln(stderr, "seal:", err)
		return 1
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(resp); err != nil {
		fmt.Fprintln(stderr, "seal:", err)
		return 1
	}
	return 0
}

func seal(in string, secret []byte, signKey string, stdin io.Reader) (*remote.Response, error) {
	if len(secret) == 0 {
		return nil, xerrors.New("secret is required")
	}
	var (
		src []byte
		err error
	)
	if in == "-" {
		src, err = io.ReadAll(stdin)
	} else {
		src, err = os.ReadFile(in)
	}
	if err != nil {
		return nil, xerrors.Wrap(err, "read source")
	}
	defer codec.Wipe(src)

	c := codec.New(secret)
	defer c.Close()
	blob, err := c.Seal(src)
	if err != nil {
		return nil, err
	}

	resp := &remote.Response{
		Status:         remote.StatusSuccess,
		EncryptedData:  codec.Encode(blob),
		EncryptionType: codec.EncryptionType,
		VersionHash:    cryptoutil.SHA256Hex(src),
	}
	if signKey != "" {
		resp.Signature = cryptoutil.NewHMACVerifier(signKey).Sign(src)
	}
	return resp, nil
}
