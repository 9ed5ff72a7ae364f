package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/bluesky-social/indigo/atproto/atcrypto"
	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/carlmjohnson/versioninfo"
	"github.com/did-method-plc/go-diddoc"

	"github.com/urfave/cli/v3"
)

var DIDCLI_USER_AGENT = "go-diddoc/didcli " + versioninfo.Short()

func main() {
	app := cli.Command{
		Name:  "didcli",
		Usage: "simple CLI client tool for DID documents and DIDComm services",
	}
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "registry-host",
			Usage:   "method, hostname, and port of the DID document registry",
			Value:   "http://localhost:8080",
			Sources: cli.EnvVars("DIDDOC_REGISTRY_HOST"),
		},
	}
	app.Commands = []*cli.Command{
		{
			Name:      "validate",
			Usage:     "validate a DID document (or a single service entry) read from a file or stdin",
			ArgsUsage: "[<file>]",
			Action:    runValidate,
			Flags: []cli.Flag{
				&cli.BoolFlag{
					Name:  "service",
					Usage: "input is a single service entry, not a whole document",
				},
			},
		},
		{
			Name:      "cid",
			Usage:     "print the content identifier of a DID document read from a file or stdin",
			ArgsUsage: "[<file>]",
			Action:    runCID,
		},
		{
			Name:      "resolve",
			Usage:     "resolve a DID document from the registry",
			ArgsUsage: "<did>",
			Action:    runResolve,
		},
		{
			Name:      "destination",
			Usage:     "fetch where DIDComm messages for a DID should be sent",
			ArgsUsage: "<did>",
			Action:    runDestination,
		},
		{
			Name:      "submit",
			Usage:     "submit a DID document to the registry (reads JSON from stdin)",
			ArgsUsage: "[<file>]",
			Action:    runSubmit,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  "if-match",
					Usage: "only replace the registered document if it has this CID",
				},
			},
		},
		{
			Name:   "keygen",
			Usage:  "generate a fresh private key, printed to stdout as a multibase string",
			Action: runKeyGen,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  "type",
					Usage: "key type; one of 'K-256' or 'P-256'",
					Value: "K-256",
				},
			},
		},
		{
			Name:   "didcomm-service",
			Usage:  "build a DIDComm service entry with did:key recipient keys, printed as JSON",
			Action: runDIDCommService,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:     "id",
					Usage:    "service id (DID URL, usually with a fragment)",
					Required: true,
				},
				&cli.StringFlag{
					Name:     "endpoint",
					Usage:    "service endpoint URL",
					Required: true,
				},
				&cli.StringSliceFlag{
					Name:  "recipient-key",
					Usage: "recipient public key in did:key format; may be repeated",
				},
				&cli.StringSliceFlag{
					Name:    "private-key",
					Usage:   "private key (multibase syntax) whose public key becomes a recipient key; may be repeated",
					Sources: cli.EnvVars("DIDCOMM_PRIVATE_KEY"),
				},
				&cli.StringSliceFlag{
					Name:  "routing-key",
					Usage: "routing key DID URL; may be repeated",
				},
				&cli.StringFlag{
					Name:  "type",
					Usage: "service type; one of 'did-communication' or 'IndyAgent'",
					Value: diddoc.DIDCommServiceType,
				},
			},
		},
	}
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	slog.SetDefault(slog.New(h))
	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Println("Error:", err)
		os.Exit(-1)
	}
}

func client(cmd *cli.Command) *diddoc.Client {
	return &diddoc.Client{
		RegistryURL: cmd.String("registry-host"),
		UserAgent:   DIDCLI_USER_AGENT,
	}
}

// reads the first argument as a file, or stdin if there is none (or it is "-")
func readInput(cmd *cli.Command) ([]byte, error) {
	p := cmd.Args().First()
	if p == "" || p == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(p)
}

func printJSON(v any) error {
	jsonBytes, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(jsonBytes))
	return nil
}

func runValidate(ctx context.Context, cmd *cli.Command) error {
	inBytes, err := readInput(cmd)
	if err != nil {
		return err
	}

	if cmd.Bool("service") {
		var raw map[string]any
		if err := json.Unmarshal(inBytes, &raw); err != nil {
			return err
		}
		svc, err := diddoc.ParseService(raw)
		if err != nil {
			return fmt.Errorf("%s", diddoc.ValidationDetail(err))
		}
		fmt.Printf("valid %s service: %s\n", svc.Type(), svc.ID())
		return nil
	}

	doc, err := diddoc.ParseDocument(inBytes)
	if err != nil {
		return fmt.Errorf("%s", diddoc.ValidationDetail(err))
	}
	fmt.Printf("valid document: %s (%d services, %d DIDComm)\n", doc.ID, len(doc.Service), len(doc.DIDCommServices()))
	return nil
}

func runCID(ctx context.Context, cmd *cli.Command) error {
	inBytes, err := readInput(cmd)
	if err != nil {
		return err
	}
	doc, err := diddoc.ParseDocument(inBytes)
	if err != nil {
		return fmt.Errorf("%s", diddoc.ValidationDetail(err))
	}
	c, err := diddoc.DocumentCID(doc)
	if err != nil {
		return err
	}
	fmt.Println(c.String())
	return nil
}

func didArg(cmd *cli.Command) (syntax.DID, error) {
	s := cmd.Args().First()
	if s == "" {
		return "", fmt.Errorf("need to provide DID as an argument")
	}
	return syntax.ParseDID(s)
}

func runResolve(ctx context.Context, cmd *cli.Command) error {
	did, err := didArg(cmd)
	if err != nil {
		return err
	}
	doc, err := client(cmd).Resolve(ctx, did.String())
	if err != nil {
		return err
	}
	return printJSON(doc)
}

func runDestination(ctx context.Context, cmd *cli.Command) error {
	did, err := didArg(cmd)
	if err != nil {
		return err
	}
	dest, err := client(cmd).Destination(ctx, did.String())
	if err != nil {
		return err
	}
	return printJSON(dest)
}

func runSubmit(ctx context.Context, cmd *cli.Command) error {
	inBytes, err := readInput(cmd)
	if err != nil {
		return err
	}
	doc, err := diddoc.ParseDocument(inBytes)
	if err != nil {
		return fmt.Errorf("%s", diddoc.ValidationDetail(err))
	}

	c := client(cmd)
	res, err := c.Submit(ctx, doc, cmd.String("if-match"))
	if err != nil {
		return err
	}

	slog.Debug("submitted document", "did", res.DID, "seq", res.Seq)
	fmt.Printf("Successfully submitted document: %s/%s (cid %s)\n", c.RegistryURL, res.DID, res.CID)
	return nil
}

func runKeyGen(ctx context.Context, cmd *cli.Command) error {
	t := cmd.String("type")
	switch t {
	case "K-256", "K256", "k256":
		privkey, err := atcrypto.GeneratePrivateKeyK256()
		if err != nil {
			return err
		}
		fmt.Println(privkey.Multibase())
	case "P-256", "P256", "p256":
		privkey, err := atcrypto.GeneratePrivateKeyP256()
		if err != nil {
			return err
		}
		fmt.Println(privkey.Multibase())
	default:
		return fmt.Errorf("unknown key type: %s", t)
	}
	return nil
}

func runDIDCommService(ctx context.Context, cmd *cli.Command) error {
	id, err := diddoc.ParseDIDUrl(cmd.String("id"))
	if err != nil {
		return err
	}
	typ := cmd.String("type")
	if !diddoc.IsDIDCommServiceType(typ) {
		return fmt.Errorf("not a DIDComm service type: %s", typ)
	}

	var pubs []atcrypto.PublicKey
	for _, s := range cmd.StringSlice("recipient-key") {
		pub, err := atcrypto.ParsePublicDIDKey(s)
		if err != nil {
			return fmt.Errorf("recipient key %s: %w", s, err)
		}
		pubs = append(pubs, pub)
	}
	for _, s := range cmd.StringSlice("private-key") {
		priv, err := atcrypto.ParsePrivateMultibase(s)
		if err != nil {
			return err
		}
		pub, err := priv.PublicKey()
		if err != nil {
			return err
		}
		pubs = append(pubs, pub)
	}

	var routing []diddoc.DIDUrl
	for _, s := range cmd.StringSlice("routing-key") {
		u, err := diddoc.ParseDIDUrl(s)
		if err != nil {
			return err
		}
		routing = append(routing, u)
	}

	svc, err := diddoc.NewDIDCommServiceForKeys(id, cmd.String("endpoint"), pubs,
		diddoc.WithServiceType(typ),
		diddoc.WithRoutingKeys(routing...),
	)
	if err != nil {
		return err
	}

	// round trip through the schema, so what we print is known to parse
	if _, err := diddoc.ParseService(svc.Serialize()); err != nil {
		return fmt.Errorf("%s", diddoc.ValidationDetail(err))
	}
	return printJSON(svc)
}
