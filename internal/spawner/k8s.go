package spawner

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

var (
	clientOnce sync.Once
	client     *kubernetes.Clientset
	clientErr  error

	configuredNamespace  string
	configuredKubeconfig string
)

// ConfigureKubernetes sets the namespace and kubeconfig path used by the
// kubernetes backend's client singleton. Call once at startup, before any
// KubernetesSpawner is constructed.
func ConfigureKubernetes(namespace, kubeconfig string) {
	configuredNamespace = namespace
	configuredKubeconfig = kubeconfig
}

// namespace returns the namespace to create user pods in.
// Priority: configured value > in-cluster namespace file > "default".
func namespace() string {
	if configuredNamespace != "" {
		return configuredNamespace
	}
	if data, err := os.ReadFile("/var/run/secrets/kubernetes.io/serviceaccount/namespace"); err == nil {
		return string(data)
	}
	return "default"
}

// getClient returns the Kubernetes clientset, initializing it once.
// It tries in-cluster config first, falling back to a kubeconfig file.
func getClient() (*kubernetes.Clientset, error) {
	clientOnce.Do(func() {
		var cfg *rest.Config
		cfg, clientErr = rest.InClusterConfig()
		if clientErr != nil {
			cfg, clientErr = buildConfigFromKubeconfig()
			if clientErr != nil {
				clientErr = fmt.Errorf("failed to create kubernetes config: %w", clientErr)
				return
			}
		}

		client, clientErr = kubernetes.NewForConfig(cfg)
		if clientErr != nil {
			clientErr = fmt.Errorf("failed to create kubernetes client: %w", clientErr)
		}
	})

	return client, clientErr
}

func buildConfigFromKubeconfig() (*rest.Config, error) {
	kubeconfigPath := configuredKubeconfig
	if kubeconfigPath == "" {
		kubeconfigPath = os.Getenv("KUBECONFIG")
	}
	if kubeconfigPath == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		kubeconfigPath = filepath.Join(homeDir, ".kube", "config")
	}

	cfg, err := clientcmd.BuildConfigFromFlags("", kubeconfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to build config from kubeconfig at %s: %w", kubeconfigPath, err)
	}
	return cfg, nil
}

// resetClient resets the client singleton. Used by tests.
func resetClient() {
	clientOnce = sync.Once{}
	client = nil
	clientErr = nil
	configuredNamespace = ""
	configuredKubeconfig = ""
}
