package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/axonops/fle-core/internal/kek"
	"github.com/axonops/fle-core/internal/keybroker"
	"github.com/axonops/fle-core/internal/kmswire"
	"github.com/axonops/fle-core/internal/kmswire/aws"
	"github.com/axonops/fle-core/internal/kmswire/azure"
	"github.com/axonops/fle-core/internal/kmswire/gcp"
	"github.com/axonops/fle-core/internal/localkms"
	"github.com/axonops/fle-core/internal/opcontext"
)

func newEncryptExplicitCmd() *cobra.Command {
	var keystorePath, field, value, keyID, altName string

	cmd := &cobra.Command{
		Use:   "encrypt-explicit",
		Short: "Encrypt a single value under a caller-named DEK",
		RunE: func(cmd *cobra.Command, args []string) error {
			if (keyID == "") == (altName == "") {
				return fmt.Errorf("exactly one of --key-id or --alt-name is required")
			}

			h, err := newHarness()
			if err != nil {
				return err
			}

			local, err := loadLocalProvider(h.cfg.LocalKMS.MasterKeyFile)
			if err != nil {
				return err
			}
			w, err := watchMasterKey(h.cfg.LocalKMS.MasterKeyFile, h.logger)
			if err != nil {
				h.logger.Warn("master key watch disabled", slog.String("error", err.Error()))
			} else {
				defer w.Close()
			}

			ks, err := loadKeyStore(keystorePath, local)
			if err != nil {
				return err
			}

			broker := keybroker.New(newCodecRegistry(), local, brokerMode(h.cfg.Broker.Mode))

			target := opcontext.ExplicitTarget{AltName: altName}
			if keyID != "" {
				id, err := uuid.Parse(keyID)
				if err != nil {
					return fmt.Errorf("--key-id: %w", err)
				}
				target = opcontext.ExplicitTarget{KeyID: &id}
			}

			ctx := opcontext.NewEncryptExplicit(broker, field, []byte(value), target)
			defer ctx.Destroy()

			out, err := drive(ctx, "encrypt-explicit", ks, h.sink, h.logger)
			if err != nil {
				return err
			}
			fmt.Fprintln(os.Stdout, out.String())
			return nil
		},
	}

	cmd.Flags().StringVar(&keystorePath, "keystore", "", "path to the key-document fixture YAML")
	cmd.Flags().StringVar(&field, "field", "", "field name to emit")
	cmd.Flags().StringVar(&value, "value", "", "plaintext value to encrypt")
	cmd.Flags().StringVar(&keyID, "key-id", "", "target DEK by id (UUID)")
	cmd.Flags().StringVar(&altName, "alt-name", "", "target DEK by alt-name")
	_ = cmd.MarkFlagRequired("keystore")
	_ = cmd.MarkFlagRequired("field")
	_ = cmd.MarkFlagRequired("value")
	return cmd
}

func loadLocalProvider(path string) (*localkms.Provider, error) {
	// #nosec G304 -- path is an operator-supplied CLI/config argument
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read master key file: %w", err)
	}
	p, err := localkms.New(key)
	if err != nil {
		return nil, fmt.Errorf("local kms: %w", err)
	}
	return p, nil
}

func brokerMode(s string) keybroker.Mode {
	if s == "permissive" {
		return keybroker.Permissive
	}
	return keybroker.Strict
}

// newCodecRegistry registers every real provider codec, the same set a
// production host binding would load. Only the local provider resolves
// synchronously in this harness (see drive.go's driveSubcontext), but the
// AWS/Azure/GCP codecs still need to be registered so the broker can build
// their NEED_KMS subcontexts rather than failing with "no codec registered"
// for a remote-provider key document. loadKeyStore itself only produces
// LOCAL key documents.
func newCodecRegistry() *kmswire.Registry {
	r := kmswire.NewRegistry()
	_ = r.Register(kek.AWS, aws.Codec{})
	_ = r.Register(kek.Azure, azure.Codec{})
	_ = r.Register(kek.GCP, gcp.Codec{})
	return r
}
