package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/cuemby/shepherd/pkg/types"
	"github.com/google/uuid"
	yamlv3 "gopkg.in/yaml.v3"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/util/retry"
	"sigs.k8s.io/yaml"
)

const documentSeparator = "\n---\n"

// ReleaseValues is the values snapshot stored next to the manifest
type ReleaseValues struct {
	Image     string `yaml:"image"`
	Replicas  int32  `yaml:"replicas"`
	Active    string `yaml:"active"`
	Candidate string `yaml:"candidate,omitempty"`
	Weight    int    `yaml:"weight,omitempty"`
	Revision  string `yaml:"revision,omitempty"`
}

// SnapshotCurrentState captures the active Deployment and the Service
func (k *KubeClient) SnapshotCurrentState(ctx context.Context) (*types.Backup, error) {
	state, err := k.Traffic(ctx)
	if err != nil {
		return nil, err
	}
	if state.ActiveVersion == "" {
		return nil, fmt.Errorf("%w: no active release to snapshot", types.ErrRevisionNotFound)
	}

	name := k.deploymentName(state.ActiveVersion)
	dep, err := k.deployments().Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", name, classify(err))
	}
	svc, err := k.clientset.CoreV1().Services(k.cfg.Namespace).Get(ctx, k.cfg.App, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get service %s: %w", k.cfg.App, classify(err))
	}

	depYAML, err := yaml.Marshal(sanitizeDeployment(dep))
	if err != nil {
		return nil, fmt.Errorf("failed to encode deployment: %w", err)
	}
	svcYAML, err := yaml.Marshal(sanitizeService(svc))
	if err != nil {
		return nil, fmt.Errorf("failed to encode service: %w", err)
	}

	values := ReleaseValues{
		Active:    state.ActiveVersion,
		Candidate: state.CandidateVersion,
		Weight:    state.CandidateWeight,
		Revision:  dep.Annotations[AnnotationRevision],
	}
	if dep.Spec.Replicas != nil {
		values.Replicas = *dep.Spec.Replicas
	}
	if containers := dep.Spec.Template.Spec.Containers; len(containers) > 0 {
		values.Image = containers[0].Image
	}
	valuesYAML, err := yamlv3.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("failed to encode values: %w", err)
	}

	revision := ""
	if values.Revision != "" {
		revision = state.ActiveVersion + ":" + values.Revision
	}

	manifest := bytes.Join([][]byte{depYAML, svcYAML}, []byte(documentSeparator))
	return &types.Backup{
		ID:                   uuid.New().String(),
		EnvironmentLabel:     state.ActiveVersion,
		RevisionBeforeChange: revision,
		ManifestSnapshot:     manifest,
		ValuesSnapshot:       valuesYAML,
		CreatedAt:            time.Now(),
	}, nil
}

// Restore re-applies every document of the backup manifest
func (k *KubeClient) Restore(ctx context.Context, backup *types.Backup) error {
	if backup == nil || len(backup.ManifestSnapshot) == 0 {
		return fmt.Errorf("%w: backup has no manifest", types.ErrRollback)
	}

	var restoredDeployment string
	for _, doc := range bytes.Split(backup.ManifestSnapshot, []byte(documentSeparator)) {
		if len(bytes.TrimSpace(doc)) == 0 {
			continue
		}
		var meta metav1.TypeMeta
		if err := yaml.Unmarshal(doc, &meta); err != nil {
			return fmt.Errorf("%w: invalid manifest document: %v", types.ErrRollback, err)
		}

		switch meta.Kind {
		case "Deployment":
			var dep appsv1.Deployment
			if err := yaml.Unmarshal(doc, &dep); err != nil {
				return fmt.Errorf("%w: invalid deployment: %v", types.ErrRollback, err)
			}
			if err := k.applyDeployment(ctx, &dep); err != nil {
				return fmt.Errorf("%w: %w", types.ErrRollback, err)
			}
			restoredDeployment = dep.Name
		case "Service":
			var svc corev1.Service
			if err := yaml.Unmarshal(doc, &svc); err != nil {
				return fmt.Errorf("%w: invalid service: %v", types.ErrRollback, err)
			}
			if err := k.applyService(ctx, &svc); err != nil {
				return fmt.Errorf("%w: %w", types.ErrRollback, err)
			}
		default:
			return fmt.Errorf("%w: unsupported kind %q in backup", types.ErrRollback, meta.Kind)
		}
	}

	if restoredDeployment != "" {
		if err := k.waitForRollout(ctx, restoredDeployment); err != nil {
			return fmt.Errorf("%w: %w", types.ErrRollback, err)
		}
	}

	k.logger.Info().Str("backup_id", backup.ID).Msg("Backup restored")
	return nil
}

func (k *KubeClient) applyDeployment(ctx context.Context, desired *appsv1.Deployment) error {
	desired.Namespace = k.cfg.Namespace
	return retry.RetryOnConflict(retry.DefaultRetry, func() error {
		existing, err := k.deployments().Get(ctx, desired.Name, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			_, err = k.deployments().Create(ctx, desired.DeepCopy(), metav1.CreateOptions{})
			return classify(err)
		}
		if err != nil {
			return classify(err)
		}
		existing.Labels = desired.Labels
		existing.Spec = desired.Spec
		_, err = k.deployments().Update(ctx, existing, metav1.UpdateOptions{})
		return classify(err)
	})
}

func (k *KubeClient) applyService(ctx context.Context, desired *corev1.Service) error {
	desired.Namespace = k.cfg.Namespace
	services := k.clientset.CoreV1().Services(k.cfg.Namespace)
	return retry.RetryOnConflict(retry.DefaultRetry, func() error {
		existing, err := services.Get(ctx, desired.Name, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			_, err = services.Create(ctx, desired.DeepCopy(), metav1.CreateOptions{})
			return classify(err)
		}
		if err != nil {
			return classify(err)
		}
		// cluster IPs are immutable
		clusterIP, clusterIPs := existing.Spec.ClusterIP, existing.Spec.ClusterIPs
		existing.Labels = desired.Labels
		existing.Annotations = desired.Annotations
		existing.Spec = desired.Spec
		existing.Spec.ClusterIP, existing.Spec.ClusterIPs = clusterIP, clusterIPs
		_, err = services.Update(ctx, existing, metav1.UpdateOptions{})
		return classify(err)
	})
}

func sanitizeDeployment(dep *appsv1.Deployment) *appsv1.Deployment {
	out := &appsv1.Deployment{
		TypeMeta: metav1.TypeMeta{APIVersion: "apps/v1", Kind: "Deployment"},
		ObjectMeta: metav1.ObjectMeta{
			Name:        dep.Name,
			Namespace:   dep.Namespace,
			Labels:      dep.Labels,
			Annotations: dep.Annotations,
		},
		Spec: *dep.Spec.DeepCopy(),
	}
	return out
}

func sanitizeService(svc *corev1.Service) *corev1.Service {
	spec := *svc.Spec.DeepCopy()
	spec.ClusterIP = ""
	spec.ClusterIPs = nil
	return &corev1.Service{
		TypeMeta: metav1.TypeMeta{APIVersion: "v1", Kind: "Service"},
		ObjectMeta: metav1.ObjectMeta{
			Name:        svc.Name,
			Namespace:   svc.Namespace,
			Labels:      svc.Labels,
			Annotations: svc.Annotations,
		},
		Spec: spec,
	}
}
