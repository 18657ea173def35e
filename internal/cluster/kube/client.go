// Package kube implements cluster.Inspector and cluster.Executor on top of
// the Kubernetes API.
package kube

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/time/rate"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// Client wraps a Kubernetes clientset shared by the inspector and executor.
type Client struct {
	kube    kubernetes.Interface
	limiter *rate.Limiter
}

// NewClient creates a client from in-cluster config when available,
// falling back to the given kubeconfig path (or ~/.kube/config).
func NewClient(kubeconfigPath string) (*Client, error) {
	config, err := rest.InClusterConfig()
	if err != nil {
		if kubeconfigPath == "" {
			homeDir, _ := os.UserHomeDir()
			if homeDir != "" {
				kubeconfigPath = filepath.Join(homeDir, ".kube", "config")
			}
		}
		config, err = clientcmd.BuildConfigFromFlags("", kubeconfigPath)
		if err != nil {
			return nil, fmt.Errorf("build kubernetes config: %w", err)
		}
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("create kubernetes clientset: %w", err)
	}

	return &Client{kube: clientset}, nil
}

// NewClientForTest creates a client around an injected clientset (fake in tests).
func NewClientForTest(clientset kubernetes.Interface) *Client {
	return &Client{kube: clientset}
}

// SetLimiter installs a token-bucket limiter applied to all API calls.
func (c *Client) SetLimiter(l *rate.Limiter) {
	c.limiter = l
}

// wait blocks until the limiter admits another API call.
func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}
