// Package k8swatch populates a filter.Table from the cluster's live
// Pod and Node IPs, the way a node agent discovers which addresses
// are "ours" without an operator hand-maintaining a CIDR list. It
// uses client-go's shared informer factory, the same watch-and-resync
// idiom client-go documents for any in-cluster agent.
package k8swatch

import (
	"context"
	"net"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/informers"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/cache"

	"github.com/netshepherd/dataplane/filter"
	"github.com/netshepherd/dataplane/printer"
)

// defaultResync matches client-go's own recommended floor for a
// SharedInformerFactory resync period; too short and every node agent
// in the cluster re-lists from the API server in lockstep.
const defaultResync = 10 * time.Minute

// Watcher keeps a filter.Table in sync with Pod and Node IPs observed
// through the Kubernetes API.
type Watcher struct {
	client  kubernetes.Interface
	table   *filter.Table
	factory informers.SharedInformerFactory
}

// NewInCluster builds a Watcher using the in-cluster service account,
// the same credential resolution every client-go agent running as a
// pod uses.
func NewInCluster(table *filter.Table) (*Watcher, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		return nil, err
	}
	client, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, err
	}
	return New(client, table), nil
}

// New builds a Watcher against an already-constructed client, for
// tests or out-of-cluster tools that supply their own kubeconfig.
func New(client kubernetes.Interface, table *filter.Table) *Watcher {
	return &Watcher{
		client:  client,
		table:   table,
		factory: informers.NewSharedInformerFactory(client, defaultResync),
	}
}

// Run starts the Pod and Node informers and blocks until ctx is
// cancelled. The filter.Table is mutated directly by the informer
// event handlers, which run on client-go's own worker goroutine; the
// table's own locking makes that safe without further synchronization
// here.
func (w *Watcher) Run(ctx context.Context) error {
	pods := w.factory.Core().V1().Pods().Informer()
	nodes := w.factory.Core().V1().Nodes().Informer()

	if _, err := pods.AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc:    func(obj interface{}) { w.upsertPod(obj) },
		UpdateFunc: func(_, obj interface{}) { w.upsertPod(obj) },
		DeleteFunc: func(obj interface{}) { w.removePod(obj) },
	}); err != nil {
		return err
	}
	if _, err := nodes.AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc:    func(obj interface{}) { w.upsertNode(obj) },
		UpdateFunc: func(_, obj interface{}) { w.upsertNode(obj) },
		DeleteFunc: func(obj interface{}) { w.removeNode(obj) },
	}); err != nil {
		return err
	}

	w.factory.Start(ctx.Done())
	if !cache.WaitForCacheSync(ctx.Done(), pods.HasSynced, nodes.HasSynced) {
		return ctx.Err()
	}
	<-ctx.Done()
	return nil
}

func (w *Watcher) upsertPod(obj interface{}) {
	pod, ok := obj.(*corev1.Pod)
	if !ok || pod.Status.PodIP == "" {
		return
	}
	insertHostAddr(w.table, pod.Status.PodIP)
}

func (w *Watcher) removePod(obj interface{}) {
	pod, ok := obj.(*corev1.Pod)
	if !ok {
		if tomb, ok := obj.(cache.DeletedFinalStateUnknown); ok {
			pod, ok = tomb.Obj.(*corev1.Pod)
			if !ok {
				return
			}
		} else {
			return
		}
	}
	removeHostAddr(w.table, pod.Status.PodIP)
}

func (w *Watcher) upsertNode(obj interface{}) {
	node, ok := obj.(*corev1.Node)
	if !ok {
		return
	}
	for _, addr := range node.Status.Addresses {
		if addr.Type == corev1.NodeInternalIP {
			insertHostAddr(w.table, addr.Address)
		}
	}
}

func (w *Watcher) removeNode(obj interface{}) {
	node, ok := obj.(*corev1.Node)
	if !ok {
		if tomb, ok := obj.(cache.DeletedFinalStateUnknown); ok {
			node, ok = tomb.Obj.(*corev1.Node)
			if !ok {
				return
			}
		} else {
			return
		}
	}
	for _, addr := range node.Status.Addresses {
		if addr.Type == corev1.NodeInternalIP {
			removeHostAddr(w.table, addr.Address)
		}
	}
}

func insertHostAddr(table *filter.Table, addr string) {
	b, ok := parseIPv4(addr)
	if !ok {
		printer.Debugf("k8swatch: ignoring non-IPv4 address %q\n", addr)
		return
	}
	table.Insert(b, 32)
}

func removeHostAddr(table *filter.Table, addr string) {
	b, ok := parseIPv4(addr)
	if !ok {
		return
	}
	table.Remove(b, 32)
}

func parseIPv4(addr string) ([4]byte, bool) {
	var out [4]byte
	ip := net.ParseIP(addr)
	if ip == nil {
		return out, false
	}
	v4 := ip.To4()
	if v4 == nil {
		return out, false
	}
	copy(out[:], v4)
	return out, true
}
