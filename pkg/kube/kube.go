// Package kube reaches into running pods: it resolves services to pods
// by label selector, delivers flush signals over exec, and streams
// files out of pod filesystems. It is the only package that talks to
// the cluster.
package kube

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/remotecommand"
)

// ErrPodNotFound is returned when a selector matches no running pod.
var ErrPodNotFound = errors.New("no running pod matches selector")

// ErrListUnsupported is returned when a pod's image cannot list the
// remote directory, typically distroless images without a shell.
var ErrListUnsupported = errors.New("remote directory listing unsupported")

// Transport is the cluster access surface the collector depends on.
type Transport interface {
	// ResolvePod returns the name of a running pod matching selector.
	ResolvePod(ctx context.Context, namespace, selector string) (string, error)

	// Signal sends the named signal (e.g. "USR1") to PID 1 of the pod.
	Signal(ctx context.Context, namespace, pod, sig string) error

	// ListDir returns the entry names of a directory inside the pod.
	ListDir(ctx context.Context, namespace, pod, dir string) ([]string, error)

	// CopyDir streams the contents of a pod directory into localDir.
	// Returns the number of regular files written.
	CopyDir(ctx context.Context, namespace, pod, remoteDir, localDir string) (int, error)
}

// Client implements Transport against a real cluster.
type Client struct {
	log       logrus.FieldLogger
	clientset kubernetes.Interface
	restCfg   *rest.Config
}

var _ Transport = (*Client)(nil)

// NewClient builds a cluster client. An explicit kubeconfig path wins;
// otherwise the standard loading rules apply ($KUBECONFIG, then
// ~/.kube/config), falling back to in-cluster config.
func NewClient(log logrus.FieldLogger, kubeconfig string) (*Client, error) {
	restCfg, err := loadRESTConfig(kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("loading cluster config: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("creating kubernetes client: %w", err)
	}

	return &Client{
		log:       log.WithField("component", "kube"),
		clientset: clientset,
		restCfg:   restCfg,
	}, nil
}

func loadRESTConfig(kubeconfig string) (*rest.Config, error) {
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	if kubeconfig != "" {
		rules.ExplicitPath = kubeconfig
	}

	cfg, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
		rules, &clientcmd.ConfigOverrides{},
	).ClientConfig()
	if err == nil {
		return cfg, nil
	}

	if inCluster, icErr := rest.InClusterConfig(); icErr == nil {
		return inCluster, nil
	}

	return nil, err
}

// ResolvePod returns the first running pod matching selector. Pods in
// other phases are skipped so a terminating replica never shadows its
// replacement.
func (c *Client) ResolvePod(ctx context.Context, namespace, selector string) (string, error) {
	pods, err := c.clientset.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{
		LabelSelector: selector,
	})
	if err != nil {
		return "", fmt.Errorf("listing pods for selector %q: %w", selector, err)
	}

	for _, pod := range pods.Items {
		if pod.Status.Phase == corev1.PodRunning {
			return pod.Name, nil
		}
	}

	return "", fmt.Errorf("%w: %q in namespace %q", ErrPodNotFound, selector, namespace)
}

// Signal sends sig to PID 1 of the pod's first container.
func (c *Client) Signal(ctx context.Context, namespace, pod, sig string) error {
	cmd := []string{"kill", "-" + strings.TrimPrefix(sig, "SIG"), "1"}

	c.log.WithFields(logrus.Fields{
		"pod":    pod,
		"signal": sig,
	}).Debug("sending signal to pod")

	if _, stderr, err := c.exec(ctx, namespace, pod, cmd); err != nil {
		return fmt.Errorf("signaling pod %s: %w (stderr: %s)", pod, err, strings.TrimSpace(stderr))
	}

	return nil
}

// ListDir lists a directory inside the pod. Images without ls report
// ErrListUnsupported so callers can fall back to a timed wait.
func (c *Client) ListDir(ctx context.Context, namespace, pod, dir string) ([]string, error) {
	stdout, stderr, err := c.exec(ctx, namespace, pod, []string{"ls", "-1", dir})
	if err != nil {
		if strings.Contains(stderr, "executable file not found") ||
			strings.Contains(err.Error(), "executable file not found") {
			return nil, ErrListUnsupported
		}

		return nil, fmt.Errorf("listing %s in pod %s: %w (stderr: %s)", dir, pod, err, strings.TrimSpace(stderr))
	}

	var names []string

	for _, line := range strings.Split(stdout, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}

	return names, nil
}

// exec runs cmd in the pod's first container and returns stdout/stderr.
func (c *Client) exec(ctx context.Context, namespace, pod string, cmd []string) (string, string, error) {
	var stdout bytes.Buffer

	stderr, err := c.execStream(ctx, namespace, pod, cmd, &stdout)

	return stdout.String(), stderr, err
}

// execStream runs cmd in the pod's first container, streaming stdout
// into the given writer.
func (c *Client) execStream(ctx context.Context, namespace, pod string, cmd []string, stdout io.Writer) (string, error) {
	req := c.clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Namespace(namespace).
		Name(pod).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Command: cmd,
			Stdout:  true,
			Stderr:  true,
		}, scheme.ParameterCodec)

	executor, err := remotecommand.NewSPDYExecutor(c.restCfg, "POST", req.URL())
	if err != nil {
		return "", fmt.Errorf("creating executor: %w", err)
	}

	var stderr bytes.Buffer

	err = executor.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdout: stdout,
		Stderr: &stderr,
	})

	return stderr.String(), err
}
