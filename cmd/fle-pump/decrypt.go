package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/axonops/fle-core/internal/keybroker"
	"github.com/axonops/fle-core/internal/opcontext"
)

func newDecryptCmd() *cobra.Command {
	var keystorePath, payloadPath string

	cmd := &cobra.Command{
		Use:   "decrypt",
		Short: "Decrypt every subtype-6 encrypted field in a BSON payload",
		RunE: func(cmd *cobra.Command, args []string) error {
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

			// #nosec G304 -- path is an operator-supplied CLI argument
			extJSON, err := os.ReadFile(payloadPath)
			if err != nil {
				return fmt.Errorf("read payload: %w", err)
			}
			var doc bson.D
			if err := bson.UnmarshalExtJSON(extJSON, true, &doc); err != nil {
				return fmt.Errorf("parse payload as extended JSON: %w", err)
			}
			payload, err := bson.Marshal(doc)
			if err != nil {
				return fmt.Errorf("marshal payload: %w", err)
			}

			broker := keybroker.New(newCodecRegistry(), local, brokerMode(h.cfg.Broker.Mode))
			ctx, err := opcontext.NewDecrypt(broker, payload)
			if err != nil {
				return err
			}
			defer ctx.Destroy()

			out, err := drive(ctx, "decrypt", ks, h.sink, h.logger)
			if err != nil {
				return err
			}
			fmt.Fprintln(os.Stdout, out.String())
			return nil
		},
	}

	cmd.Flags().StringVar(&keystorePath, "keystore", "", "path to the key-document fixture YAML")
	cmd.Flags().StringVar(&payloadPath, "payload", "", "path to the encrypted document, as BSON extended JSON")
	_ = cmd.MarkFlagRequired("keystore")
	_ = cmd.MarkFlagRequired("payload")
	return cmd
}
