// Package kube renders Kubernetes manifests for running branchbox: the
// server Deployment with its Service and ConfigMap, and a standalone Pod
// template for one workspace session. It only builds objects; applying
// them is left to kubectl or whatever drives the cluster.
package kube

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"gopkg.in/yaml.v3"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/util/intstr"
)

// ServerOptions configures the server Deployment, Service, and ConfigMap.
type ServerOptions struct {
	// Name prefixes every rendered resource.
	Name      string `yaml:"name" json:"name"`
	Namespace string `yaml:"namespace" json:"namespace"`

	// Image is the branchbox server image.
	Image           string            `yaml:"image" json:"image"`
	ImagePullPolicy corev1.PullPolicy `yaml:"image_pull_policy" json:"image_pull_policy"`

	Replicas int32 `yaml:"replicas" json:"replicas"`

	// HTTPPort is the API port exposed by the Service.
	HTTPPort int32 `yaml:"http_port" json:"http_port"`

	// ConfigYAML is embedded verbatim into the ConfigMap as config.yaml and
	// mounted at /etc/branchbox.
	ConfigYAML string `yaml:"config_yaml" json:"config_yaml"`

	// DataVolumeClaim names a PersistentVolumeClaim for /var/lib/branchbox
	// (mirrors, sqlite, recordings). Empty renders an emptyDir, which loses
	// mirrors on reschedule but is fine for evaluation.
	DataVolumeClaim string `yaml:"data_volume_claim" json:"data_volume_claim"`

	// MountDockerSocket binds the node's /var/run/docker.sock into the
	// server pod so session containers run on the node daemon.
	MountDockerSocket bool `yaml:"mount_docker_socket" json:"mount_docker_socket"`

	Resources Resources `yaml:"resources" json:"resources"`
}

// Resources is a flattened requests/limits pair, parsed with the usual
// Kubernetes quantity syntax.
type Resources struct {
	CPURequest    string `yaml:"cpu_request" json:"cpu_request"`
	MemoryRequest string `yaml:"memory_request" json:"memory_request"`
	CPULimit      string `yaml:"cpu_limit" json:"cpu_limit"`
	MemoryLimit   string `yaml:"memory_limit" json:"memory_limit"`
}

// DefaultServerOptions returns the options `branchbox kube manifests`
// renders without flags.
func DefaultServerOptions() ServerOptions {
	return ServerOptions{
		Name:              "branchbox",
		Namespace:         "branchbox",
		Image:             "branchbox/branchbox:latest",
		ImagePullPolicy:   corev1.PullIfNotPresent,
		Replicas:          1,
		HTTPPort:          8080,
		MountDockerSocket: true,
		Resources: Resources{
			CPURequest:    "250m",
			MemoryRequest: "256Mi",
			CPULimit:      "1",
			MemoryLimit:   "1Gi",
		},
	}
}

// ServerManifests renders the ConfigMap, Deployment, and Service for one
// branchbox server.
func ServerManifests(opts ServerOptions) ([]runtime.Object, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("kube: name is required")
	}
	if opts.Replicas <= 0 {
		opts.Replicas = 1
	}
	if opts.HTTPPort <= 0 {
		opts.HTTPPort = 8080
	}

	labels := map[string]string{
		"app.kubernetes.io/name":      "branchbox",
		"app.kubernetes.io/instance":  opts.Name,
		"app.kubernetes.io/component": "server",
	}

	cm := &corev1.ConfigMap{
		TypeMeta: metav1.TypeMeta{APIVersion: "v1", Kind: "ConfigMap"},
		ObjectMeta: metav1.ObjectMeta{
			Name:      opts.Name + "-config",
			Namespace: opts.Namespace,
			Labels:    labels,
		},
		Data: map[string]string{
			"config.yaml": opts.ConfigYAML,
		},
	}

	reqs, err := resourceRequirements(opts.Resources)
	if err != nil {
		return nil, err
	}

	container := corev1.Container{
		Name:            "branchbox",
		Image:           opts.Image,
		ImagePullPolicy: opts.ImagePullPolicy,
		Args:            []string{"server", "--config", "/etc/branchbox/config.yaml"},
		Ports: []corev1.ContainerPort{
			{Name: "http", ContainerPort: opts.HTTPPort, Protocol: corev1.ProtocolTCP},
		},
		VolumeMounts: []corev1.VolumeMount{
			{Name: "config", MountPath: "/etc/branchbox", ReadOnly: true},
			{Name: "data", MountPath: "/var/lib/branchbox"},
		},
		Resources: *reqs,
		LivenessProbe: &corev1.Probe{
			ProbeHandler: corev1.ProbeHandler{
				HTTPGet: &corev1.HTTPGetAction{
					Path: "/healthz",
					Port: intstr.FromInt32(opts.HTTPPort),
				},
			},
			InitialDelaySeconds: 5,
			PeriodSeconds:       10,
			TimeoutSeconds:      3,
			FailureThreshold:    3,
		},
		ReadinessProbe: &corev1.Probe{
			ProbeHandler: corev1.ProbeHandler{
				HTTPGet: &corev1.HTTPGetAction{
					Path: "/healthz",
					Port: intstr.FromInt32(opts.HTTPPort),
				},
			},
			InitialDelaySeconds: 2,
			PeriodSeconds:       5,
			TimeoutSeconds:      3,
			FailureThreshold:    3,
		},
	}

	volumes := []corev1.Volume{
		{
			Name: "config",
			VolumeSource: corev1.VolumeSource{
				ConfigMap: &corev1.ConfigMapVolumeSource{
					LocalObjectReference: corev1.LocalObjectReference{Name: cm.Name},
				},
			},
		},
		dataVolume(opts.DataVolumeClaim),
	}

	if opts.MountDockerSocket {
		hostPathSocket := corev1.HostPathSocket
		volumes = append(volumes, corev1.Volume{
			Name: "docker-sock",
			VolumeSource: corev1.VolumeSource{
				HostPath: &corev1.HostPathVolumeSource{
					Path: "/var/run/docker.sock",
					Type: &hostPathSocket,
				},
			},
		})
		container.VolumeMounts = append(container.VolumeMounts, corev1.VolumeMount{
			Name:      "docker-sock",
			MountPath: "/var/run/docker.sock",
		})
	}

	deploy := &appsv1.Deployment{
		TypeMeta: metav1.TypeMeta{APIVersion: "apps/v1", Kind: "Deployment"},
		ObjectMeta: metav1.ObjectMeta{
			Name:      opts.Name,
			Namespace: opts.Namespace,
			Labels:    labels,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &opts.Replicas,
			Selector: &metav1.LabelSelector{MatchLabels: labels},
			// The session registry is in-memory; one replica at a time.
			Strategy: appsv1.DeploymentStrategy{Type: appsv1.RecreateDeploymentStrategyType},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{container},
					Volumes:    volumes,
				},
			},
		},
	}

	svc := &corev1.Service{
		TypeMeta: metav1.TypeMeta{APIVersion: "v1", Kind: "Service"},
		ObjectMeta: metav1.ObjectMeta{
			Name:      opts.Name,
			Namespace: opts.Namespace,
			Labels:    labels,
		},
		Spec: corev1.ServiceSpec{
			Selector: labels,
			Ports: []corev1.ServicePort{
				{
					Name:       "http",
					Port:       opts.HTTPPort,
					TargetPort: intstr.FromString("http"),
					Protocol:   corev1.ProtocolTCP,
				},
			},
		},
	}

	return []runtime.Object{cm, deploy, svc}, nil
}

func dataVolume(claim string) corev1.Volume {
	if claim != "" {
		return corev1.Volume{
			Name: "data",
			VolumeSource: corev1.VolumeSource{
				PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
					ClaimName: claim,
				},
			},
		}
	}
	return corev1.Volume{
		Name:         "data",
		VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}},
	}
}

// SessionPodOptions configures a standalone workspace Pod, for clusters
// where sessions run as pods instead of node-local docker containers.
type SessionPodOptions struct {
	SessionID string `yaml:"session_id" json:"session_id"`
	Namespace string `yaml:"namespace" json:"namespace"`

	// Image is the workspace image; ContainerPort the in-pod IDE port.
	Image         string `yaml:"image" json:"image"`
	ContainerPort int32  `yaml:"container_port" json:"container_port"`

	UserID       int64  `yaml:"user_id" json:"user_id"`
	RepositoryID int64  `yaml:"repository_id" json:"repository_id"`
	Branch       string `yaml:"branch" json:"branch"`
	RepoName     string `yaml:"repo_name" json:"repo_name"`

	Env       map[string]string `yaml:"env" json:"env"`
	Resources Resources         `yaml:"resources" json:"resources"`
}

// DefaultSessionPodOptions returns the workspace pod defaults.
func DefaultSessionPodOptions() SessionPodOptions {
	return SessionPodOptions{
		Namespace:     "branchbox",
		Image:         "branchbox/workspace:latest",
		ContainerPort: 8443,
		Resources: Resources{
			CPURequest:    "250m",
			MemoryRequest: "512Mi",
			CPULimit:      "2",
			MemoryLimit:   "4Gi",
		},
	}
}

// SessionPod renders one workspace Pod. The labels mirror the ones the
// docker runtime puts on session containers, so fleet queries look the
// same in both environments.
func SessionPod(opts SessionPodOptions) (*corev1.Pod, error) {
	if opts.SessionID == "" {
		return nil, fmt.Errorf("kube: session id is required")
	}
	if opts.ContainerPort <= 0 {
		opts.ContainerPort = 8443
	}

	reqs, err := resourceRequirements(opts.Resources)
	if err != nil {
		return nil, err
	}

	env := []corev1.EnvVar{
		{Name: "BRANCHBOX_REPO", Value: opts.RepoName},
		{Name: "BRANCHBOX_BRANCH", Value: opts.Branch},
		{Name: "BRANCHBOX_PORT", Value: strconv.Itoa(int(opts.ContainerPort))},
	}
	for k, v := range opts.Env {
		env = append(env, corev1.EnvVar{Name: k, Value: v})
	}

	pod := &corev1.Pod{
		TypeMeta: metav1.TypeMeta{APIVersion: "v1", Kind: "Pod"},
		ObjectMeta: metav1.ObjectMeta{
			Name:      "branchbox-session-" + opts.SessionID,
			Namespace: opts.Namespace,
			Labels: map[string]string{
				"app.kubernetes.io/name":      "branchbox",
				"app.kubernetes.io/component": "session",
				"branchbox.session":           "1",
				"branchbox.session-id":        opts.SessionID,
				"branchbox.user":              strconv.FormatInt(opts.UserID, 10),
				"branchbox.repository":        strconv.FormatInt(opts.RepositoryID, 10),
			},
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{
				{
					Name:  "workspace",
					Image: opts.Image,
					Env:   env,
					Ports: []corev1.ContainerPort{
						{Name: "ide", ContainerPort: opts.ContainerPort, Protocol: corev1.ProtocolTCP},
					},
					Resources: *reqs,
					ReadinessProbe: &corev1.Probe{
						ProbeHandler: corev1.ProbeHandler{
							TCPSocket: &corev1.TCPSocketAction{
								Port: intstr.FromInt32(opts.ContainerPort),
							},
						},
						InitialDelaySeconds: 3,
						PeriodSeconds:       5,
						TimeoutSeconds:      3,
						FailureThreshold:    6,
					},
				},
			},
		},
	}
	return pod, nil
}

func resourceRequirements(r Resources) (*corev1.ResourceRequirements, error) {
	out := &corev1.ResourceRequirements{
		Limits:   corev1.ResourceList{},
		Requests: corev1.ResourceList{},
	}
	set := func(list corev1.ResourceList, name corev1.ResourceName, val, what string) error {
		if val == "" {
			return nil
		}
		qty, err := resource.ParseQuantity(val)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", what, err)
		}
		list[name] = qty
		return nil
	}
	if err := set(out.Requests, corev1.ResourceCPU, r.CPURequest, "cpu request"); err != nil {
		return nil, err
	}
	if err := set(out.Requests, corev1.ResourceMemory, r.MemoryRequest, "memory request"); err != nil {
		return nil, err
	}
	if err := set(out.Limits, corev1.ResourceCPU, r.CPULimit, "cpu limit"); err != nil {
		return nil, err
	}
	if err := set(out.Limits, corev1.ResourceMemory, r.MemoryLimit, "memory limit"); err != nil {
		return nil, err
	}
	return out, nil
}

// MarshalYAML renders objects as a multi-document YAML stream, the shape
// kubectl apply expects.
func MarshalYAML(objs ...runtime.Object) ([]byte, error) {
	var buf bytes.Buffer
	for i, obj := range objs {
		if i > 0 {
			buf.WriteString("---\n")
		}
		// Round-trip through JSON so the Kubernetes json tags decide the
		// field names; yaml.v3 would use Go field names otherwise.
		jb, err := json.Marshal(obj)
		if err != nil {
			return nil, fmt.Errorf("marshal %T: %w", obj, err)
		}
		var v any
		if err := yaml.Unmarshal(jb, &v); err != nil {
			return nil, fmt.Errorf("convert %T: %w", obj, err)
		}
		yb, err := yaml.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("render %T: %w", obj, err)
		}
		buf.Write(yb)
	}
	return buf.Bytes(), nil
}

// MarshalJSON renders one object as indented JSON.
func MarshalJSON(obj runtime.Object) ([]byte, error) {
	return json.MarshalIndent(obj, "", "  ")
}
