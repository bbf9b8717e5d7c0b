package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/shepherd/pkg/log"
	"github.com/cuemby/shepherd/pkg/types"
	"github.com/rs/zerolog"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apiequality "k8s.io/apimachinery/pkg/api/equality"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/util/intstr"
	utilnet "k8s.io/apimachinery/pkg/util/net"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	typedappsv1 "k8s.io/client-go/kubernetes/typed/apps/v1"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/retry"
)

const (
	LabelApp       = "app"
	LabelTrack     = "track"
	LabelManagedBy = "app.kubernetes.io/managed-by"
	ManagedByValue = "shepherd"

	AnnotationActive    = "shepherd.cuemby.io/active"
	AnnotationCandidate = "shepherd.cuemby.io/candidate"
	AnnotationWeight    = "shepherd.cuemby.io/candidate-weight"

	// Set by the Kubernetes deployment controller
	AnnotationRevision        = "deployment.kubernetes.io/revision"
	AnnotationRevisionHistory = "deployment.kubernetes.io/revision-history"
)

// KubeConfig configures the Kubernetes binding of the Client
type KubeConfig struct {
	Namespace string
	App       string
	Replicas  int32
	Port      int32

	// WaitForRollout makes Deploy, RollbackTo and Restore block until the
	// Deployment reports a completed rollout
	WaitForRollout bool
	PollInterval   time.Duration
}

// KubeClient implements Client and ReadinessReader on top of Deployments and a
// Service. Each environment label is a Deployment named <app>-<label>; the
// Service <app> selects the active label.
type KubeClient struct {
	clientset kubernetes.Interface
	cfg       KubeConfig
	logger    zerolog.Logger
}

// NewClientset builds a clientset from a kubeconfig path, falling back to the
// in-cluster configuration when path is empty
func NewClientset(kubeconfig string) (kubernetes.Interface, error) {
	restConfig, err := clientcmd.BuildConfigFromFlags("", kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load kubeconfig: %v", types.ErrConfiguration, err)
	}
	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create clientset: %w", err)
	}
	return clientset, nil
}

// NewKubeClient creates a new Kubernetes-backed client
func NewKubeClient(clientset kubernetes.Interface, cfg KubeConfig) *KubeClient {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.Replicas <= 0 {
		cfg.Replicas = 1
	}
	return &KubeClient{
		clientset: clientset,
		cfg:       cfg,
		logger:    log.WithComponent("orchestrator").With().Str("namespace", cfg.Namespace).Logger(),
	}
}

func (k *KubeClient) deploymentName(label string) string {
	return k.cfg.App + "-" + label
}

func (k *KubeClient) podLabels(label string) map[string]string {
	return map[string]string{
		LabelApp:   k.cfg.App,
		LabelTrack: label,
	}
}

func (k *KubeClient) deployments() typedappsv1.DeploymentInterface {
	return k.clientset.AppsV1().Deployments(k.cfg.Namespace)
}

// Deploy creates or updates the Deployment for rev.EnvironmentLabel
func (k *KubeClient) Deploy(ctx context.Context, rev *types.DeploymentRevision) error {
	if rev.EnvironmentLabel == "" {
		return fmt.Errorf("%w: revision %s has no environment label", types.ErrConfiguration, rev.ID)
	}
	if rev.ImageRef == "" {
		return fmt.Errorf("%w: revision %s has no image", types.ErrConfiguration, rev.ID)
	}

	name := k.deploymentName(rev.EnvironmentLabel)
	replicas := k.cfg.Replicas
	if rev.Replicas > 0 {
		replicas = int32(rev.Replicas)
	}

	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		existing, err := k.deployments().Get(ctx, name, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			dep, err := k.newDeployment(ctx, rev.EnvironmentLabel, rev.ImageRef, replicas)
			if err != nil {
				return err
			}
			_, err = k.deployments().Create(ctx, dep, metav1.CreateOptions{})
			return err
		}
		if err != nil {
			return err
		}

		updated := existing.DeepCopy()
		setImage(updated, k.cfg.App, rev.ImageRef)
		updated.Spec.Replicas = &replicas
		if apiequality.Semantic.DeepEqual(existing.Spec, updated.Spec) {
			return nil
		}
		_, err = k.deployments().Update(ctx, updated, metav1.UpdateOptions{})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to deploy %s: %w", name, classify(err))
	}

	k.logger.Info().
		Str("label", rev.EnvironmentLabel).
		Str("image", rev.ImageRef).
		Int32("replicas", replicas).
		Msg("Deployment applied")

	return k.waitForRollout(ctx, name)
}

// newDeployment builds a Deployment for label. The pod template is copied from
// the active release when there is one so that ports, probes and resources
// carry over to the new label.
func (k *KubeClient) newDeployment(ctx context.Context, label, image string, replicas int32) (*appsv1.Deployment, error) {
	podLabels := k.podLabels(label)

	template := corev1.PodTemplateSpec{
		Spec: corev1.PodSpec{
			Containers: []corev1.Container{{
				Name:  k.cfg.App,
				Image: image,
				Ports: []corev1.ContainerPort{{ContainerPort: k.cfg.Port}},
			}},
		},
	}

	state, err := k.Traffic(ctx)
	if err != nil {
		return nil, err
	}
	if state.ActiveVersion != "" && state.ActiveVersion != label {
		base, err := k.deployments().Get(ctx, k.deploymentName(state.ActiveVersion), metav1.GetOptions{})
		if err == nil {
			template = *base.Spec.Template.DeepCopy()
		} else if !apierrors.IsNotFound(err) {
			return nil, err
		}
	}

	template.Labels = mergeLabels(template.Labels, podLabels)
	delete(template.Labels, appsv1.DefaultDeploymentUniqueLabelKey)

	dep := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      k.deploymentName(label),
			Namespace: k.cfg.Namespace,
			Labels:    mergeLabels(podLabels, map[string]string{LabelManagedBy: ManagedByValue}),
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: podLabels},
			Template: template,
		},
	}
	setImage(dep, k.cfg.App, image)
	return dep, nil
}

// SetTrafficWeight splits the configured replica count between candidate and
// the active release in proportion to weight and lets the Service select both
func (k *KubeClient) SetTrafficWeight(ctx context.Context, candidate string, weight int) error {
	if err := types.ValidateWeight(weight); err != nil {
		return err
	}

	state, err := k.Traffic(ctx)
	if err != nil {
		return err
	}
	if state.ActiveVersion == "" {
		return fmt.Errorf("%w: no active release to split traffic with", types.ErrConfiguration)
	}
	if state.ActiveVersion == candidate {
		return fmt.Errorf("%w: candidate %s is already the active release", types.ErrConfiguration, candidate)
	}

	candidateReplicas, activeReplicas := SplitReplicas(k.cfg.Replicas, weight)
	if err := k.Scale(ctx, candidate, int(candidateReplicas)); err != nil {
		return err
	}
	if err := k.Scale(ctx, state.ActiveVersion, int(activeReplicas)); err != nil {
		return err
	}

	err = k.updateService(ctx, func(svc *corev1.Service) {
		svc.Spec.Selector = map[string]string{LabelApp: k.cfg.App}
		if weight == 0 {
			svc.Spec.Selector[LabelTrack] = state.ActiveVersion
		}
		svc.Annotations = mergeLabels(svc.Annotations, map[string]string{
			AnnotationActive:    state.ActiveVersion,
			AnnotationCandidate: candidate,
			AnnotationWeight:    strconv.Itoa(weight),
		})
	})
	if err != nil {
		return err
	}

	k.logger.Info().
		Str("candidate", candidate).
		Int("weight", weight).
		Int32("candidate_replicas", candidateReplicas).
		Int32("active_replicas", activeReplicas).
		Msg("Traffic weight applied")
	return nil
}

// SplitReplicas derives candidate and active replica counts for a traffic weight.
// A non-zero weight always gets at least one candidate replica and a weight
// below 100 always keeps at least one active replica.
func SplitReplicas(total int32, weight int) (candidate, active int32) {
	candidate = int32(math.Ceil(float64(total) * float64(weight) / 100))
	if weight > 0 && candidate == 0 {
		candidate = 1
	}
	if candidate > total {
		candidate = total
	}
	active = total - candidate
	if weight < 100 && active == 0 {
		active = 1
	}
	return candidate, active
}

// SwitchActive points the Service at version only and restores its replica count
func (k *KubeClient) SwitchActive(ctx context.Context, version string) error {
	name := k.deploymentName(version)
	dep, err := k.deployments().Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return fmt.Errorf("%w: release %s does not exist", types.ErrConfiguration, name)
	}
	if err != nil {
		return fmt.Errorf("failed to get %s: %w", name, classify(err))
	}
	if dep.Spec.Replicas == nil || *dep.Spec.Replicas < k.cfg.Replicas {
		if err := k.Scale(ctx, version, int(k.cfg.Replicas)); err != nil {
			return err
		}
		if err := k.waitForRollout(ctx, name); err != nil {
			return err
		}
	}

	err = k.updateService(ctx, func(svc *corev1.Service) {
		svc.Spec.Selector = k.podLabels(version)
		if svc.Annotations == nil {
			svc.Annotations = map[string]string{}
		}
		svc.Annotations[AnnotationActive] = version
		delete(svc.Annotations, AnnotationCandidate)
		delete(svc.Annotations, AnnotationWeight)
	})
	if err != nil {
		return err
	}

	k.logger.Info().Str("active", version).Msg("Active release switched")
	return nil
}

// updateService applies mutate to the Service, creating it when missing
func (k *KubeClient) updateService(ctx context.Context, mutate func(svc *corev1.Service)) error {
	services := k.clientset.CoreV1().Services(k.cfg.Namespace)
	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		svc, err := services.Get(ctx, k.cfg.App, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			svc = &corev1.Service{
				ObjectMeta: metav1.ObjectMeta{
					Name:      k.cfg.App,
					Namespace: k.cfg.Namespace,
					Labels:    map[string]string{LabelApp: k.cfg.App, LabelManagedBy: ManagedByValue},
				},
				Spec: corev1.ServiceSpec{
					Ports: []corev1.ServicePort{{
						Name:       "http",
						Port:       80,
						TargetPort: intstr.FromInt32(k.cfg.Port),
					}},
				},
			}
			mutate(svc)
			_, err = services.Create(ctx, svc, metav1.CreateOptions{})
			return err
		}
		if err != nil {
			return err
		}
		mutate(svc)
		_, err = services.Update(ctx, svc, metav1.UpdateOptions{})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to update service %s: %w", k.cfg.App, classify(err))
	}
	return nil
}

// Uninstall deletes the Deployment for label. A missing Deployment is not an error.
func (k *KubeClient) Uninstall(ctx context.Context, label string) error {
	name := k.deploymentName(label)
	propagation := metav1.DeletePropagationBackground
	err := k.deployments().Delete(ctx, name, metav1.DeleteOptions{PropagationPolicy: &propagation})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("failed to uninstall %s: %w", name, classify(err))
	}
	k.logger.Info().Str("label", label).Msg("Release uninstalled")
	return nil
}

// RollbackTo restores the pod template recorded by a ReplicaSet revision, the
// same way `kubectl rollout undo` does, then makes the label the active release
func (k *KubeClient) RollbackTo(ctx context.Context, revisionID string) error {
	label, number, err := ParseRevisionID(revisionID)
	if err != nil {
		return fmt.Errorf("%w: %w", types.ErrRollback, err)
	}
	name := k.deploymentName(label)

	rs, err := k.findReplicaSet(ctx, label, number)
	if err != nil {
		return fmt.Errorf("%w: %w", types.ErrRollback, err)
	}

	target := rs.Spec.Template.DeepCopy()
	delete(target.Labels, appsv1.DefaultDeploymentUniqueLabelKey)

	err = retry.RetryOnConflict(retry.DefaultRetry, func() error {
		dep, err := k.deployments().Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return err
		}
		if apiequality.Semantic.DeepEqual(dep.Spec.Template, *target) {
			return nil
		}
		dep.Spec.Template = *target
		_, err = k.deployments().Update(ctx, dep, metav1.UpdateOptions{})
		return err
	})
	if apierrors.IsNotFound(err) {
		return fmt.Errorf("%w: %w: release %s is gone", types.ErrRollback, types.ErrRevisionNotFound, name)
	}
	if err != nil {
		return fmt.Errorf("%w: failed to restore %s: %w", types.ErrRollback, revisionID, classify(err))
	}

	if err := k.waitForRollout(ctx, name); err != nil {
		return fmt.Errorf("%w: %w", types.ErrRollback, err)
	}
	if err := k.SwitchActive(ctx, label); err != nil {
		return fmt.Errorf("%w: %w", types.ErrRollback, err)
	}

	k.logger.Info().Str("revision", revisionID).Msg("Rolled back to revision")
	return nil
}

// findReplicaSet locates the ReplicaSet carrying revision number for label.
// Revisions re-used by an earlier rollback are found through the
// revision-history annotation.
func (k *KubeClient) findReplicaSet(ctx context.Context, label string, number int64) (*appsv1.ReplicaSet, error) {
	sets, err := k.replicaSets(ctx, label)
	if err != nil {
		return nil, err
	}
	want := strconv.FormatInt(number, 10)
	for i := range sets {
		rs := &sets[i]
		if rs.Annotations[AnnotationRevision] == want {
			return rs, nil
		}
		for _, h := range strings.Split(rs.Annotations[AnnotationRevisionHistory], ",") {
			if strings.TrimSpace(h) == want {
				return rs, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %s", types.ErrRevisionNotFound, FormatRevisionID(label, number))
}

func (k *KubeClient) replicaSets(ctx context.Context, label string) ([]appsv1.ReplicaSet, error) {
	selector := labels.SelectorFromSet(k.podLabels(label)).String()
	list, err := k.clientset.AppsV1().ReplicaSets(k.cfg.Namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return nil, fmt.Errorf("failed to list replica sets: %w", classify(err))
	}
	return list.Items, nil
}

// Scale sets the replica count of the Deployment for label without waiting
func (k *KubeClient) Scale(ctx context.Context, label string, replicas int) error {
	if replicas < 0 {
		return fmt.Errorf("%w: replicas must not be negative", types.ErrConfiguration)
	}
	name := k.deploymentName(label)
	count := int32(replicas)
	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		dep, err := k.deployments().Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return err
		}
		if dep.Spec.Replicas != nil && *dep.Spec.Replicas == count {
			return nil
		}
		dep.Spec.Replicas = &count
		_, err = k.deployments().Update(ctx, dep, metav1.UpdateOptions{})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to scale %s: %w", name, classify(err))
	}
	k.logger.Info().Str("label", label).Int("replicas", replicas).Msg("Release scaled")
	return nil
}

// Traffic reads the routing state from the Service. A missing Service is an
// environment with no active release.
func (k *KubeClient) Traffic(ctx context.Context) (types.TrafficState, error) {
	svc, err := k.clientset.CoreV1().Services(k.cfg.Namespace).Get(ctx, k.cfg.App, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return types.TrafficState{}, nil
	}
	if err != nil {
		return types.TrafficState{}, fmt.Errorf("failed to get service %s: %w", k.cfg.App, classify(err))
	}

	state := types.TrafficState{
		ActiveVersion:    svc.Annotations[AnnotationActive],
		CandidateVersion: svc.Annotations[AnnotationCandidate],
	}
	if state.ActiveVersion == "" {
		state.ActiveVersion = svc.Spec.Selector[LabelTrack]
	}
	if w, ok := svc.Annotations[AnnotationWeight]; ok {
		weight, err := strconv.Atoi(w)
		if err != nil {
			return types.TrafficState{}, fmt.Errorf("invalid %s annotation %q: %w", AnnotationWeight, w, err)
		}
		state.CandidateWeight = weight
	}
	return state, nil
}

// CurrentRevision returns <label>:<n> for the Deployment's current revision
func (k *KubeClient) CurrentRevision(ctx context.Context, label string) (string, error) {
	number, err := k.currentRevisionNumber(ctx, label)
	if err != nil {
		return "", err
	}
	return FormatRevisionID(label, number), nil
}

func (k *KubeClient) currentRevisionNumber(ctx context.Context, label string) (int64, error) {
	name := k.deploymentName(label)
	dep, err := k.deployments().Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return 0, fmt.Errorf("%w: release %s does not exist", types.ErrRevisionNotFound, name)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get %s: %w", name, classify(err))
	}
	raw, ok := dep.Annotations[AnnotationRevision]
	if !ok {
		return 0, fmt.Errorf("%w: release %s has no recorded revision", types.ErrRevisionNotFound, name)
	}
	number, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid revision annotation %q on %s: %w", raw, name, err)
	}
	return number, nil
}

// PreviousRevision returns the highest ReplicaSet revision below the current one
func (k *KubeClient) PreviousRevision(ctx context.Context, label string) (string, error) {
	current, err := k.currentRevisionNumber(ctx, label)
	if err != nil {
		return "", err
	}
	sets, err := k.replicaSets(ctx, label)
	if err != nil {
		return "", err
	}

	var revisions []int64
	for _, rs := range sets {
		n, err := strconv.ParseInt(rs.Annotations[AnnotationRevision], 10, 64)
		if err != nil || n >= current {
			continue
		}
		revisions = append(revisions, n)
	}
	if len(revisions) == 0 {
		return "", fmt.Errorf("%w: no revision precedes %s", types.ErrRevisionNotFound, FormatRevisionID(label, current))
	}
	sort.Slice(revisions, func(i, j int) bool { return revisions[i] > revisions[j] })
	return FormatRevisionID(label, revisions[0]), nil
}

// PodReadiness counts ready pods of the release carrying label
func (k *KubeClient) PodReadiness(ctx context.Context, label string) (int, int, error) {
	selector := labels.SelectorFromSet(k.podLabels(label)).String()
	pods, err := k.clientset.CoreV1().Pods(k.cfg.Namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list pods: %w", classify(err))
	}

	ready, total := 0, 0
	for _, pod := range pods.Items {
		if pod.DeletionTimestamp != nil {
			continue
		}
		total++
		for _, cond := range pod.Status.Conditions {
			if cond.Type == corev1.PodReady && cond.Status == corev1.ConditionTrue {
				ready++
				break
			}
		}
	}
	return ready, total, nil
}

func (k *KubeClient) waitForRollout(ctx context.Context, name string) error {
	if !k.cfg.WaitForRollout {
		return nil
	}
	err := wait.PollUntilContextCancel(ctx, k.cfg.PollInterval, true, func(ctx context.Context) (bool, error) {
		dep, err := k.deployments().Get(ctx, name, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			return false, fmt.Errorf("release %s disappeared during rollout", name)
		}
		if err != nil {
			k.logger.Debug().Err(err).Str("deployment", name).Msg("Rollout status poll failed")
			return false, nil
		}
		return RolloutComplete(dep)
	})
	if err != nil {
		return fmt.Errorf("rollout of %s did not complete: %w", name, err)
	}
	return nil
}

// RolloutComplete reports whether every replica of dep runs the latest template
func RolloutComplete(dep *appsv1.Deployment) (bool, error) {
	want := int32(1)
	if dep.Spec.Replicas != nil {
		want = *dep.Spec.Replicas
	}
	for _, cond := range dep.Status.Conditions {
		if cond.Type == appsv1.DeploymentProgressing && cond.Reason == "ProgressDeadlineExceeded" {
			return false, fmt.Errorf("deployment %s exceeded its progress deadline", dep.Name)
		}
	}
	if dep.Status.ObservedGeneration < dep.Generation {
		return false, nil
	}
	if want == 0 {
		return dep.Status.Replicas == 0, nil
	}
	if dep.Status.UpdatedReplicas < want ||
		dep.Status.AvailableReplicas < want ||
		dep.Status.ReadyReplicas < want ||
		dep.Status.Replicas > want {
		return false, nil
	}
	return true, nil
}

// FormatRevisionID renders a revision ID as <label>:<n>
func FormatRevisionID(label string, number int64) string {
	return fmt.Sprintf("%s:%d", label, number)
}

// ParseRevisionID splits a <label>:<n> revision ID
func ParseRevisionID(id string) (string, int64, error) {
	idx := strings.LastIndex(id, ":")
	if idx <= 0 || idx == len(id)-1 {
		return "", 0, fmt.Errorf("%w: malformed revision %q, want <label>:<number>", types.ErrRevisionNotFound, id)
	}
	number, err := strconv.ParseInt(id[idx+1:], 10, 64)
	if err != nil || number < 1 {
		return "", 0, fmt.Errorf("%w: malformed revision %q, want <label>:<number>", types.ErrRevisionNotFound, id)
	}
	return id[:idx], number, nil
}

func setImage(dep *appsv1.Deployment, app, image string) {
	containers := dep.Spec.Template.Spec.Containers
	if len(containers) == 0 {
		return
	}
	for i := range containers {
		if containers[i].Name == app {
			containers[i].Image = image
			return
		}
	}
	containers[0].Image = image
}

func mergeLabels(base, extra map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// classify marks errors worth retrying as types.ErrTransientInfra
func classify(err error) error {
	if err == nil || errors.Is(err, types.ErrTransientInfra) {
		return err
	}
	var netErr net.Error
	if apierrors.IsServerTimeout(err) ||
		apierrors.IsTimeout(err) ||
		apierrors.IsTooManyRequests(err) ||
		apierrors.IsServiceUnavailable(err) ||
		apierrors.IsInternalError(err) ||
		apierrors.IsUnexpectedServerError(err) ||
		utilnet.IsConnectionRefused(err) ||
		utilnet.IsConnectionReset(err) ||
		errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", types.ErrTransientInfra, err)
	}
	return err
}
