/*
Copyright 2024 The EDA Server Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package kubernetes runs rulebook workers as Jobs: one Job, one Pod, an
// optional Service for declared source ports and an optional image-pull
// Secret. The Job name is the engine handle.
package kubernetes

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/distribution/reference"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	kerrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/utils/ptr"

	"go.uber.org/zap"

	enginerrors "github.com/ansible/eda-server-sub000/pkg/containerengine/errors"
	enginetypes "github.com/ansible/eda-server-sub000/pkg/containerengine/types"
	"github.com/ansible/eda-server-sub000/pkg/model"
)

const (
	namespaceFile = "/var/run/secrets/kubernetes.io/serviceaccount/namespace"

	workerContainerName = "worker"
	appLabel            = "eda"
	jobNameLabel        = "job-name"
)

var imagePullWaitingReasons = map[string]bool{
	"InvalidImageName": true,
	"ImagePullBackOff": true,
	"ErrImagePull":     true,
}

type engine struct {
	client    kubernetes.Interface
	namespace string
	timeout   time.Duration
	log       *zap.SugaredLogger
}

// New builds the kubernetes backend. The namespace comes from the
// serviceaccount mount unless overridden.
func New(ctx context.Context, namespaceOverride string, timeout time.Duration, log *zap.SugaredLogger) (enginetypes.Engine, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		// Out-of-cluster fallback for development.
		cfg, err = clientcmd.BuildConfigFromFlags("", os.Getenv("KUBECONFIG"))
		if err != nil {
			return nil, &enginerrors.InitError{Err: fmt.Errorf("no cluster configuration: %w", err)}
		}
	}
	client, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, &enginerrors.InitError{Err: err}
	}

	ns := namespaceOverride
	if ns == "" {
		raw, err := os.ReadFile(namespaceFile)
		if err != nil {
			return nil, &enginerrors.InitError{Err: fmt.Errorf("failed to read namespace: %w", err)}
		}
		ns = strings.TrimSpace(string(raw))
	}

	return &engine{client: client, namespace: ns, timeout: timeout, log: log}, nil
}

// NewWithClient wires an existing clientset. Used by tests.
func NewWithClient(client kubernetes.Interface, namespace string, timeout time.Duration, log *zap.SugaredLogger) enginetypes.Engine {
	return &engine{client: client, namespace: namespace, timeout: timeout, log: log}
}

// Client exposes the clientset for readiness checks.
func (e *engine) Client() kubernetes.Interface { return e.client }

func (e *engine) Start(ctx context.Context, req *enginetypes.ContainerRequest, logs enginetypes.LogHandler) (string, error) {
	jobName := sanitizeName(req.Name)

	var pullSecretName string
	if req.Credential != nil {
		name, err := e.ensurePullSecret(ctx, jobName, req)
		if err != nil {
			return "", err
		}
		pullSecretName = name
	}

	if len(req.Ports) > 0 && req.K8s.ServiceName != "" {
		if err := e.ensureService(ctx, jobName, req); err != nil {
			return "", err
		}
	}

	job := e.buildJob(jobName, pullSecretName, req)
	if _, err := e.client.BatchV1().Jobs(e.namespace).Create(ctx, job, metav1.CreateOptions{}); err != nil {
		if !kerrors.IsAlreadyExists(err) {
			return "", &enginerrors.StartError{Err: fmt.Errorf("failed to create job %s: %w", jobName, err)}
		}
	}

	if err := e.waitForPodStart(ctx, jobName, req.Image); err != nil {
		return "", err
	}

	e.log.Infow("started job", "job", jobName, "namespace", e.namespace, "image", req.Image)
	return jobName, nil
}

func (e *engine) buildJob(jobName, pullSecretName string, req *enginetypes.ContainerRequest) *batchv1.Job {
	var envVars []corev1.EnvVar
	for k, v := range req.Env {
		envVars = append(envVars, corev1.EnvVar{Name: k, Value: v})
	}
	var ports []corev1.ContainerPort
	for _, p := range req.Ports {
		ports = append(ports, corev1.ContainerPort{ContainerPort: int32(p.Port), Protocol: corev1.ProtocolTCP})
	}

	container := corev1.Container{
		Name:            workerContainerName,
		Image:           req.Image,
		ImagePullPolicy: pullPolicy(req.PullPolicy),
		Args:            req.Command,
		Env:             envVars,
		Ports:           ports,
	}
	if req.MemoryLimit != "" {
		if qty, err := resource.ParseQuantity(req.MemoryLimit); err == nil {
			container.Resources = corev1.ResourceRequirements{
				Limits: corev1.ResourceList{corev1.ResourceMemory: qty},
			}
		} else {
			e.log.Warnw("ignoring invalid memory limit", "limit", req.MemoryLimit, "error", err)
		}
	}

	labels := map[string]string{"app": appLabel, jobNameLabel: jobName}
	podSpec := corev1.PodSpec{
		RestartPolicy: corev1.RestartPolicyNever,
		Containers:    []corev1.Container{container},
	}
	if pullSecretName != "" {
		podSpec.ImagePullSecrets = []corev1.LocalObjectReference{{Name: pullSecretName}}
	}

	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      jobName,
			Namespace: e.namespace,
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: ptr.To(int32(0)),
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec:       podSpec,
			},
		},
	}
}

// ensurePullSecret creates a kubernetes.io/dockerconfigjson secret for the
// decision environment registry.
func (e *engine) ensurePullSecret(ctx context.Context, jobName string, req *enginetypes.ContainerRequest) (string, error) {
	named, err := reference.ParseNormalizedNamed(req.Image)
	if err != nil {
		return "", &enginerrors.LoginError{Err: err}
	}
	server := reference.Domain(named)

	dockerCfg := map[string]interface{}{
		"auths": map[string]interface{}{
			server: map[string]string{
				"username": req.Credential.Username,
				"password": req.Credential.Secret,
				"auth":     base64.StdEncoding.EncodeToString([]byte(req.Credential.Username + ":" + req.Credential.Secret)),
			},
		},
	}
	raw, err := json.Marshal(dockerCfg)
	if err != nil {
		return "", &enginerrors.LoginError{Err: err}
	}

	secretName := jobName + "-pull-secret"
	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      secretName,
			Namespace: e.namespace,
			Labels:    map[string]string{"app": appLabel, jobNameLabel: jobName},
		},
		Type: corev1.SecretTypeDockerConfigJson,
		Data: map[string][]byte{corev1.DockerConfigJsonKey: raw},
	}
	if _, err := e.client.CoreV1().Secrets(e.namespace).Create(ctx, secret, metav1.CreateOptions{}); err != nil {
		if !kerrors.IsAlreadyExists(err) {
			return "", &enginerrors.LoginError{Err: fmt.Errorf("failed to create pull secret: %w", err)}
		}
	}
	return secretName, nil
}

func (e *engine) ensureService(ctx context.Context, jobName string, req *enginetypes.ContainerRequest) error {
	var ports []corev1.ServicePort
	for _, p := range req.Ports {
		ports = append(ports, corev1.ServicePort{
			Name:       fmt.Sprintf("port-%d", p.Port),
			Port:       int32(p.Port),
			TargetPort: intstr.FromInt(p.Port),
			Protocol:   corev1.ProtocolTCP,
		})
	}
	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      req.K8s.ServiceName,
			Namespace: e.namespace,
			Labels:    map[string]string{"app": appLabel, jobNameLabel: jobName},
		},
		Spec: corev1.ServiceSpec{
			Selector: map[string]string{jobNameLabel: jobName},
			Ports:    ports,
			Type:     corev1.ServiceTypeClusterIP,
		},
	}
	if _, err := e.client.CoreV1().Services(e.namespace).Create(ctx, svc, metav1.CreateOptions{}); err != nil {
		if !kerrors.IsAlreadyExists(err) {
			return &enginerrors.StartError{Err: fmt.Errorf("failed to create service %s: %w", req.K8s.ServiceName, err)}
		}
	}
	return nil
}

// waitForPodStart watches the Job's pod until it leaves the image-pull /
// scheduling phase. Pull failures surface as a distinct error kind so the
// restart policy applies instead of retrying forever.
func (e *engine) waitForPodStart(ctx context.Context, jobName, image string) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	selector := jobNameLabel + "=" + jobName
	w, err := e.client.CoreV1().Pods(e.namespace).Watch(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return &enginerrors.StartError{Err: fmt.Errorf("failed to watch pod of job %s: %w", jobName, err)}
	}
	defer w.Stop()

	for {
		select {
		case <-ctx.Done():
			return &enginerrors.StartError{Err: fmt.Errorf("timed out waiting for pod of job %s", jobName)}
		case ev, ok := <-w.ResultChan():
			if !ok {
				return &enginerrors.StartError{Err: fmt.Errorf("watch closed waiting for pod of job %s", jobName)}
			}
			if ev.Type == watch.Deleted {
				continue
			}
			pod, ok := ev.Object.(*corev1.Pod)
			if !ok {
				continue
			}
			switch pod.Status.Phase {
			case corev1.PodRunning, corev1.PodSucceeded:
				return nil
			case corev1.PodFailed:
				return &enginerrors.StartError{Err: fmt.Errorf("pod of job %s failed: %s", jobName, pod.Status.Message)}
			}
			for _, cs := range pod.Status.ContainerStatuses {
				if cs.State.Waiting != nil && imagePullWaitingReasons[cs.State.Waiting.Reason] {
					return &enginerrors.ImagePullError{
						Image: image,
						Err:   fmt.Errorf("%s: %s", cs.State.Waiting.Reason, cs.State.Waiting.Message),
					}
				}
			}
		}
	}
}

func (e *engine) GetStatus(ctx context.Context, handle string) (enginetypes.Status, error) {
	pod, err := e.findPod(ctx, handle)
	if err != nil {
		return enginetypes.Status{}, err
	}

	for _, cs := range pod.Status.ContainerStatuses {
		if cs.Name != workerContainerName {
			continue
		}
		switch {
		case cs.State.Running != nil:
			return enginetypes.Status{State: model.StatusRunning}, nil
		case cs.State.Terminated != nil:
			t := cs.State.Terminated
			if t.ExitCode == 0 {
				return enginetypes.Status{State: model.StatusCompleted}, nil
			}
			return enginetypes.Status{
				State:   model.StatusFailed,
				Message: fmt.Sprintf("Container exited with code %d: %s", t.ExitCode, t.Reason),
			}, nil
		case cs.State.Waiting != nil:
			w := cs.State.Waiting
			if imagePullWaitingReasons[w.Reason] {
				return enginetypes.Status{
					State:   model.StatusFailed,
					Message: fmt.Sprintf("Image cannot be pulled: %s: %s", w.Reason, w.Message),
				}, nil
			}
			// Still being scheduled or created.
			return enginetypes.Status{State: model.StatusStarting, Message: w.Reason}, nil
		}
	}

	switch pod.Status.Phase {
	case corev1.PodPending:
		return enginetypes.Status{State: model.StatusPending}, nil
	case corev1.PodSucceeded:
		return enginetypes.Status{State: model.StatusCompleted}, nil
	case corev1.PodFailed:
		return enginetypes.Status{State: model.StatusFailed, Message: pod.Status.Message}, nil
	default:
		return enginetypes.Status{
			State:   model.StatusError,
			Message: fmt.Sprintf("Unexpected pod phase: %s", pod.Status.Phase),
		}, nil
	}
}

func (e *engine) findPod(ctx context.Context, handle string) (*corev1.Pod, error) {
	pods, err := e.client.CoreV1().Pods(e.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: jobNameLabel + "=" + handle,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list pods of job %s: %w", handle, err)
	}
	if len(pods.Items) == 0 {
		return nil, enginerrors.ErrNotFound
	}
	return &pods.Items[0], nil
}

func (e *engine) UpdateLogs(ctx context.Context, handle string, logs enginetypes.LogHandler) error {
	pod, err := e.findPod(ctx, handle)
	if err != nil {
		return err
	}

	opts := &corev1.PodLogOptions{
		Container:  workerContainerName,
		Timestamps: true,
	}
	cursor, ok := logs.LastReadAt()
	if ok {
		since := metav1.NewTime(time.UnixMilli(cursor - enginetypes.LogSafetyMarginMillis).UTC())
		opts.SinceTime = &since
	}

	stream, err := e.client.CoreV1().Pods(e.namespace).GetLogs(pod.Name, opts).Stream(ctx)
	if err != nil {
		return &enginerrors.UpdateLogsError{Err: err}
	}
	defer stream.Close()

	maxSeen := cursor
	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		idx := strings.IndexByte(line, ' ')
		if idx < 0 {
			continue
		}
		ts, err := time.Parse(time.RFC3339Nano, line[:idx])
		if err != nil {
			continue
		}
		millis := ts.UnixMilli()
		if ok && millis <= cursor {
			continue
		}
		logs.Write(line[idx+1:], millis)
		if millis > maxSeen {
			maxSeen = millis
		}
	}
	if err := scanner.Err(); err != nil {
		return &enginerrors.UpdateLogsError{Err: err}
	}

	if maxSeen > cursor || (!ok && maxSeen > 0) {
		logs.SetLastReadAt(maxSeen)
	}
	if err := logs.Flush(ctx); err != nil {
		return &enginerrors.UpdateLogsError{Err: err}
	}
	return nil
}

func (e *engine) Cleanup(ctx context.Context, handle string, logs enginetypes.LogHandler) error {
	propagation := metav1.DeletePropagationBackground
	delOpts := metav1.DeleteOptions{PropagationPolicy: &propagation}

	if err := e.client.BatchV1().Jobs(e.namespace).Delete(ctx, handle, delOpts); err != nil && !kerrors.IsNotFound(err) {
		return &enginerrors.CleanupError{Err: fmt.Errorf("failed to delete job %s: %w", handle, err)}
	}
	if err := e.client.CoreV1().Secrets(e.namespace).Delete(ctx, handle+"-pull-secret", metav1.DeleteOptions{}); err != nil && !kerrors.IsNotFound(err) {
		e.log.Warnw("failed to delete pull secret", "job", handle, "error", err)
	}

	// Services created for this job carry its label; remove them too.
	svcs, err := e.client.CoreV1().Services(e.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: jobNameLabel + "=" + handle,
	})
	if err == nil {
		for _, svc := range svcs.Items {
			if err := e.client.CoreV1().Services(e.namespace).Delete(ctx, svc.Name, metav1.DeleteOptions{}); err != nil && !kerrors.IsNotFound(err) {
				e.log.Warnw("failed to delete service", "service", svc.Name, "error", err)
			}
		}
	}

	e.log.Infow("removed job", "job", handle, "namespace", e.namespace)
	return nil
}

func pullPolicy(p enginetypes.PullPolicy) corev1.PullPolicy {
	switch p {
	case enginetypes.PullNever:
		return corev1.PullNever
	case enginetypes.PullIfNotPresent:
		return corev1.PullIfNotPresent
	default:
		return corev1.PullAlways
	}
}

// sanitizeName mangles a display name into a DNS-1123 label usable as a Job
// name.
func sanitizeName(name string) string {
	mangled := strings.ToLower(name)
	mangled = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			return r
		default:
			return '-'
		}
	}, mangled)
	mangled = strings.Trim(mangled, "-")
	if len(mangled) > 63 {
		mangled = strings.Trim(mangled[:63], "-")
	}
	if mangled == "" {
		mangled = "activation"
	}
	return mangled
}
