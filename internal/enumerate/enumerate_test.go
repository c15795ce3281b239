package enumerate

import (
	"context"
	"testing"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/informers"
	"k8s.io/client-go/kubernetes/fake"
)

func newTestEnumerator(t *testing.T, namespace string, objects ...interface{}) *Enumerator {
	t.Helper()
	ctx := context.Background()

	cli := fake.NewSimpleClientset()
	for _, o := range objects {
		switch v := o.(type) {
		case *appsv1.Deployment:
			if _, err := cli.AppsV1().Deployments(v.Namespace).Create(ctx, v, metav1.CreateOptions{}); err != nil {
				t.Fatalf("create deployment: %v", err)
			}
		case *corev1.Pod:
			if _, err := cli.CoreV1().Pods(v.Namespace).Create(ctx, v, metav1.CreateOptions{}); err != nil {
				t.Fatalf("create pod: %v", err)
			}
		}
	}

	factory := informers.NewSharedInformerFactoryWithOptions(cli, 0, informers.WithNamespace(namespace))
	deplis := factory.Apps().V1().Deployments().Lister()
	stslis := factory.Apps().V1().StatefulSets().Lister()
	dslis := factory.Apps().V1().DaemonSets().Lister()
	podlis := factory.Core().V1().Pods().Lister()

	stopCh := make(chan struct{})
	factory.Start(stopCh)
	factory.WaitForCacheSync(stopCh)

	return New(Lister{
		Deployments:  deplis,
		StatefulSets: stslis,
		DaemonSets:   dslis,
		Pods:         podlis,
	}, namespace)
}

func labeledDeployment(ns, name string) *appsv1.Deployment {
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Namespace: ns, Name: name, UID: "uid-1",
			Labels: map[string]string{EnabledLabel: "true"},
		},
		Spec: appsv1.DeploymentSpec{
			Selector: &metav1.LabelSelector{MatchLabels: map[string]string{"app": name}},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: map[string]string{"app": name}},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{
						{Name: "nginx", Image: "nginx:latest", ImagePullPolicy: corev1.PullAlways},
					},
				},
			},
		},
	}
}

func readyPod(ns, deployName, containerName, imageID string) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Namespace: ns, Name: deployName + "-abc",
			Labels: map[string]string{"app": deployName},
		},
		Status: corev1.PodStatus{
			Phase: corev1.PodRunning,
			ContainerStatuses: []corev1.ContainerStatus{
				{Name: containerName, Ready: true, ImageID: imageID},
			},
		},
	}
}

func TestEnumerateJoinsRunningDigest(t *testing.T) {
	dep := labeledDeployment("ns", "web")
	pod := readyPod("ns", "web", "nginx", "docker.io/library/nginx@sha256:"+repeatHex('a'))

	e := newTestEnumerator(t, "ns", dep, pod)
	workloads, err := e.Enumerate()
	if err != nil {
		t.Fatalf("enumerate: %v", err)
	}
	if len(workloads) != 1 {
		t.Fatalf("expected 1 workload, got %d", len(workloads))
	}
	w := workloads[0]
	if len(w.Containers) != 1 {
		t.Fatalf("expected 1 container, got %d", len(w.Containers))
	}
	if w.Containers[0].RunningDigest != "sha256:"+repeatHex('a') {
		t.Errorf("unexpected running digest: %s", w.Containers[0].RunningDigest)
	}
}

func TestEnumerateUnknownDigestWithNoPods(t *testing.T) {
	dep := labeledDeployment("ns", "web")
	e := newTestEnumerator(t, "ns", dep)
	workloads, err := e.Enumerate()
	if err != nil {
		t.Fatalf("enumerate: %v", err)
	}
	if workloads[0].Containers[0].RunningDigest != UnknownDigest {
		t.Errorf("expected Unknown digest, got %s", workloads[0].Containers[0].RunningDigest)
	}
}

func repeatHex(c byte) string {
	b := make([]byte, 64)
	for i := range b {
		b[i] = c
	}
	return string(b)
}
