/*
Package scheduler places lablet instances onto workers and repairs
lifecycle anomalies.

Each cycle runs three passes in order. Placement assigns PENDING
instances to the most-loaded eligible worker that still fits, committing
one decision at a time so later decisions observe earlier reservations;
when nothing fits it leaves the instance PENDING and records a scale-up
hint for the controller. Dispatch hands SCHEDULED instances to the
instantiation pipeline once their timeslot is within the lead window.
Repair terminates instances stuck in instantiation, stops instances past
their timeslot, terminates instances whose worker disappeared and queues
teardown for stopping instances.

The scheduler is a leased singleton: cycles run only on the leader and
every save is fenced on the lease epoch captured at cycle start.
*/
package scheduler
