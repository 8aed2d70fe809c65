package spawner

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rjsadow/hub/internal/db"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
)

const (
	singleuserLabelKey   = "hub.jupyter.org/username"
	singleuserComponent  = "app.kubernetes.io/component"
	singleuserComponentV = "singleuser-server"
	singleuserPort       = 8888
)

// kubernetesState is the JSON shape persisted to User.State for the
// kubernetes backend.
type kubernetesState struct {
	PodName   string `json:"pod_name"`
	Namespace string `json:"namespace"`
	PodIP     string `json:"pod_ip,omitempty"`
}

// KubernetesSpawner runs a user's single-user server as one pod per user,
// named deterministically from the username so a Hub restart can find the
// same pod again via GetState.
type KubernetesSpawner struct {
	user     *db.User
	hub      *db.Hub
	apiToken string
	cfg      Config

	state kubernetesState
}

// NewKubernetesSpawner is a spawner.Factory for the kubernetes backend.
func NewKubernetesSpawner(u *db.User, hub *db.Hub, apiToken string, cfg Config) (Spawner, error) {
	ns := cfg.Namespace
	if ns == "" {
		ns = namespace()
	}
	return &KubernetesSpawner{
		user:     u,
		hub:      hub,
		apiToken: apiToken,
		cfg:      cfg,
		state: kubernetesState{
			PodName:   podName(u.Name),
			Namespace: ns,
		},
	}, nil
}

func podName(username string) string {
	return "jupyter-" + username
}

// Start creates the user's pod and waits for Kubernetes to assign it an IP.
func (s *KubernetesSpawner) Start(ctx context.Context) error {
	client, err := getClient()
	if err != nil {
		return err
	}

	pod := s.buildPod()

	created, err := client.CoreV1().Pods(s.state.Namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		return fmt.Errorf("failed to create pod: %w", err)
	}
	s.state.PodName = created.Name

	err = wait.PollUntilContextTimeout(ctx, 500*time.Millisecond, 2*time.Minute, true, func(ctx context.Context) (bool, error) {
		p, err := client.CoreV1().Pods(s.state.Namespace).Get(ctx, s.state.PodName, metav1.GetOptions{})
		if err != nil {
			return false, err
		}
		if p.Status.Phase == corev1.PodFailed {
			return false, fmt.Errorf("pod %s failed to start", s.state.PodName)
		}
		if p.Status.PodIP != "" {
			s.state.PodIP = p.Status.PodIP
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return fmt.Errorf("pod %s did not become resolvable: %w", s.state.PodName, err)
	}

	return nil
}

// Stop deletes the user's pod. Deleting an already-absent pod is treated
// as success.
func (s *KubernetesSpawner) Stop(ctx context.Context) error {
	client, err := getClient()
	if err != nil {
		return err
	}

	err = client.CoreV1().Pods(s.state.Namespace).Delete(ctx, s.state.PodName, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("failed to delete pod %s: %w", s.state.PodName, err)
	}
	return nil
}

// Poll reports the pod's termination status, if any.
func (s *KubernetesSpawner) Poll(ctx context.Context) (*int, error) {
	client, err := getClient()
	if err != nil {
		return nil, err
	}

	pod, err := client.CoreV1().Pods(s.state.Namespace).Get(ctx, s.state.PodName, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			status := 1
			return &status, nil
		}
		return nil, err
	}

	switch pod.Status.Phase {
	case corev1.PodSucceeded:
		status := 0
		return &status, nil
	case corev1.PodFailed:
		status := 1
		return &status, nil
	default:
		return nil, nil
	}
}

// GetState returns the pod name, namespace and IP as JSON.
func (s *KubernetesSpawner) GetState() json.RawMessage {
	b, _ := json.Marshal(s.state)
	return b
}

// Endpoint returns the pod's IP and the single-user server's fixed port.
func (s *KubernetesSpawner) Endpoint() (string, int) {
	return s.state.PodIP, singleuserPort
}

func (s *KubernetesSpawner) buildPod() *corev1.Pod {
	env := []corev1.EnvVar{
		{Name: "JUPYTERHUB_API_TOKEN", Value: s.apiToken},
		{Name: "JUPYTERHUB_USER", Value: s.user.Name},
		{Name: "JUPYTERHUB_API_URL", Value: s.hub.APIURL()},
	}
	for k, v := range s.cfg.Env {
		env = append(env, corev1.EnvVar{Name: k, Value: v})
	}

	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      s.state.PodName,
			Namespace: s.state.Namespace,
			Labels: map[string]string{
				singleuserLabelKey:  s.user.Name,
				singleuserComponent: singleuserComponentV,
			},
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{
				{
					Name:    "notebook",
					Image:   s.cfg.Image,
					Command: s.cfg.Cmd,
					Env:     env,
					Ports: []corev1.ContainerPort{
						{ContainerPort: 8888},
					},
				},
			},
		},
	}
}

var _ Spawner = (*KubernetesSpawner)(nil)
