// controller/controllers.go
package controller

// Controllers aggregates the HTTP controllers for route registration.
type Controllers struct {
	Ingress *IngressController
	Audit   *AuditController
}
