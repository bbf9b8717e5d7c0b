/*
Package orchestrator is the boundary between the controller and the cluster.

Client is implemented by KubeClient, which maps each environment label to a
Deployment named <app>-<label> and routes traffic through a Service named
<app>:

	active only     selector {app, track=<active>}
	weighted        selector {app}, replicas split by SplitReplicas
	annotations     shepherd.cuemby.io/{active,candidate,candidate-weight}

Revision IDs have the form <label>:<n>, where n is the deployment.kubernetes.io
revision of the ReplicaSet that carried the pod template. RollbackTo copies
that template back into the Deployment, the same way kubectl rollout undo does.

Retrying retries calls that fail with types.ErrTransientInfra, and DryRun
logs mutations without applying them. Both wrap another Client.
*/
package orchestrator
