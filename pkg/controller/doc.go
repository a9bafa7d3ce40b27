/*
Package controller manages the worker fleet.

Each cycle it consumes the scheduler's scale-up hints (creating or
restarting at most one worker per hinted template and region), walks
workers through VM creation and lab-host readiness, drains idle workers
once the warm floor and the scale-down grace window allow it, stops
drained workers and force-stops those whose drain outlived the template
timeout, terminating their remaining instances. Every scaling action
lands in the append-only audit log, which the controller also prunes to
the retention window.
*/
package controller
