package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/branchbox/branchbox/pkg/kube"
)

func newKubeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kube",
		Short: "Render Kubernetes manifests",
	}
	cmd.AddCommand(newKubeManifestsCmd())
	cmd.AddCommand(newKubeSessionPodCmd())
	return cmd
}

func newKubeManifestsCmd() *cobra.Command {
	var namespace string
	var name string
	var image string
	var replicas int32
	var configPath string

	cmd := &cobra.Command{
		Use:   "manifests",
		Short: "Render the server Deployment, Service, and ConfigMap",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := kube.DefaultServerOptions()
			if namespace != "" {
				opts.Namespace = namespace
			}
			if name != "" {
				opts.Name = name
			}
			if image != "" {
				opts.Image = image
			}
			if replicas > 0 {
				opts.Replicas = replicas
			}
			if configPath != "" {
				b, err := os.ReadFile(configPath)
				if err != nil {
					return err
				}
				opts.ConfigYAML = string(b)
			}

			objs, err := kube.ServerManifests(opts)
			if err != nil {
				return err
			}
			out, err := kube.MarshalYAML(objs...)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}

	cmd.Flags().StringVar(&namespace, "namespace", "", "Target namespace")
	cmd.Flags().StringVar(&name, "name", "", "Resource name prefix")
	cmd.Flags().StringVar(&image, "image", "", "Server image")
	cmd.Flags().Int32Var(&replicas, "replicas", 0, "Deployment replicas")
	cmd.Flags().StringVar(&configPath, "config", "", "Server config YAML to embed in the ConfigMap")
	return cmd
}

func newKubeSessionPodCmd() *cobra.Command {
	var namespace string
	var image string
	var port int32

	cmd := &cobra.Command{
		Use:   "session-pod SESSION_ID",
		Short: "Render a workspace Pod template for one session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := kube.DefaultSessionPodOptions()
			opts.SessionID = args[0]
			if namespace != "" {
				opts.Namespace = namespace
			}
			if image != "" {
				opts.Image = image
			}
			if port > 0 {
				opts.ContainerPort = port
			}

			pod, err := kube.SessionPod(opts)
			if err != nil {
				return err
			}
			out, err := kube.MarshalYAML(pod)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}

	cmd.Flags().StringVar(&namespace, "namespace", "", "Target namespace")
	cmd.Flags().StringVar(&image, "image", "", "Workspace image")
	cmd.Flags().Int32Var(&port, "port", 0, "In-pod IDE port")
	return cmd
}
