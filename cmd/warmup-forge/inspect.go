package main

import (
	"encoding/json"
	"fmt"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/nn"
	"github.com/spf13/cobra"

	"warmup-forge/internal/device"
	"warmup-forge/internal/model"
)

type inspectReport struct {
	model.Metadata
	HeadParams     int `json:"head_params,omitempty"`
	BackboneParams int `json:"backbone_params,omitempty"`
}

func newInspectCmd() *cobra.Command {
	var verify bool
	cmd := &cobra.Command{
		Use:   "inspect MODEL",
		Short: "Print the metadata of a saved model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			report := inspectReport{}
			if verify {
				// rebuild the whole classifier so missing or misshapen weights surface
				cls, meta, err := model.Load(args[0], autodiff.New(cpu.New()))
				if err != nil {
					return err
				}
				report.Metadata = meta
				report.HeadParams = countParams(cls.Parameters())
				report.BackboneParams = countParams(cls.AllParameters()) - report.HeadParams
			} else {
				meta, err := model.ReadMetadata(args[0])
				if err != nil {
					return err
				}
				report.Metadata = meta
			}
			out, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return fmt.Errorf("encode metadata: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	cmd.Flags().BoolVar(&verify, "verify", false, "Load the weights and report parameter counts")
	return cmd
}

func countParams(params []*nn.Parameter[device.CPUBackend]) int {
	n := 0
	for _, p := range params {
		n += p.Tensor().NumElements()
	}
	return n
}
