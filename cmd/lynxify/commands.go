// Copyright 2026 The Lynxify Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/lynxify-labs/lynxify/lib/config"
	"github.com/lynxify-labs/lynxify/lib/service"
	"github.com/lynxify-labs/lynxify/lib/version"
)

const callTimeout = 10 * time.Second

func root(out *output) *Command {
	return &Command{
		Name:    "lynxify",
		Summary: "Inspect a running lynxify agent",
		Subcommands: []*Command{
			query(out, "status", "Show lifecycle state, registration and topics", service.ActionStatus, renderStatus),
			query(out, "weights", "Show static and current index weights", service.ActionWeights, renderWeights),
			query(out, "proposals", "List active rebalance proposals and executions", service.ActionProposals, renderProposals),
			query(out, "risk", "Show the latest risk assessment and alerts", service.ActionRisk, renderRisk),
			query(out, "agents", "List agents known from the registry", service.ActionAgents, renderAgents),
			query(out, "governance", "List governance proposals", service.ActionGovernance, renderGovernance),
			{
				Name:    "version",
				Summary: "Print version information",
				Run: func([]string) error {
					version.Fprint(out.w, "lynxify")
					return nil
				},
			},
		},
	}
}

// connection holds the flags shared by every query command.
type connection struct {
	socket     string
	configPath string
	json       bool
}

func (c *connection) flags(name string) *pflag.FlagSet {
	flags := pflag.NewFlagSet(name, pflag.ContinueOnError)
	flags.StringVar(&c.socket, "socket", "", "agent status socket (default: $LYNXIFY_SOCKET, then paths.socket)")
	flags.StringVar(&c.configPath, "config", "", "config file to read paths.socket from (default: $LYNXIFY_CONFIG)")
	flags.BoolVar(&c.json, "json", false, "output as JSON")
	return flags
}

func (c *connection) socketPath() (string, error) {
	if c.socket != "" {
		return c.socket, nil
	}
	if socket := os.Getenv("LYNXIFY_SOCKET"); socket != "" {
		return socket, nil
	}
	path := c.configPath
	if path == "" {
		path = os.Getenv("LYNXIFY_CONFIG")
	}
	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.Parse(nil)
	}
	if err != nil {
		return "", fmt.Errorf("resolving the agent socket: %w", err)
	}
	return cfg.Paths.Socket, nil
}

// query builds a command that calls action and renders the reply as
// T, or as JSON with --json.
func query[T any](out *output, name, summary, action string, render func(*output, T)) *Command {
	c := &connection{}
	return &Command{
		Name:    name,
		Summary: summary,
		Flags:   func() *pflag.FlagSet { return c.flags(name) },
		Run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument %q", args[0])
			}
			socket, err := c.socketPath()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
			defer cancel()
			var reply T
			if err := service.NewClient(socket).Call(ctx, action, nil, &reply); err != nil {
				return err
			}
			if c.json {
				return out.json(reply)
			}
			render(out, reply)
			return nil
		},
	}
}

func renderStatus(out *output, reply service.StatusReply) {
	governance := "disabled"
	if reply.Governance {
		governance = "enabled"
	}
	out.fields(
		[2]string{"Agent", reply.AgentID},
		[2]string{"State", out.status(reply.State)},
		[2]string{"Version", orDash(reply.Version)},
		[2]string{"Started", timestamp(reply.StartedAt)},
		[2]string{"Registration", out.status(orDash(reply.Registration))},
		[2]string{"Known agents", strconv.Itoa(reply.KnownAgents)},
		[2]string{"Proposals", fmt.Sprintf("%d active, %d executed", reply.Active, reply.Executed)},
		[2]string{"Governance", governance},
	)
	if len(reply.Topics) == 0 {
		return
	}
	out.heading("Topics")
	var rows [][]string
	for _, role := range slices.Sorted(maps.Keys(reply.Topics)) {
		rows = append(rows, []string{role, reply.Topics[role]})
	}
	out.table([]string{"ROLE", "TOPIC"}, rows)
}

func renderWeights(out *output, reply service.WeightsReply) {
	symbols := slices.Sorted(maps.Keys(reply.Static))
	for symbol := range reply.Current {
		if !slices.Contains(symbols, symbol) {
			symbols = append(symbols, symbol)
		}
	}
	slices.Sort(symbols)
	var rows [][]string
	for _, symbol := range symbols {
		price := "-"
		if p, ok := reply.Prices[symbol]; ok {
			price = number(p)
		}
		rows = append(rows, []string{symbol, number(reply.Static[symbol]), percent(reply.Current[symbol]), price})
	}
	out.table([]string{"TOKEN", "STATIC", "CURRENT", "PRICE"}, rows)
	fmt.Fprintln(out.w)
	latched := "no"
	if reply.DeviationLatched {
		latched = out.style(warnStyle, "yes")
	}
	out.fields(
		[2]string{"Rebalance threshold", percent(reply.RebalanceThreshold)},
		[2]string{"Risk threshold", number(reply.RiskThreshold)},
		[2]string{"Deviation proposal open", latched},
	)
}

func renderProposals(out *output, reply service.ProposalsReply) {
	if len(reply.Active) == 0 {
		fmt.Fprintln(out.w, "No active proposals.")
	} else {
		var rows [][]string
		for _, proposal := range reply.Active {
			approved := "no"
			if proposal.Approved {
				approved = out.status("passed")
			}
			rows = append(rows, []string{
				proposal.ID,
				proposal.Trigger,
				proposal.Proposer,
				timestamp(proposal.ExpiresAt),
				approved,
				weightList(proposal.NewWeights),
			})
		}
		out.table([]string{"ID", "TRIGGER", "PROPOSER", "EXPIRES", "APPROVED", "WEIGHTS"}, rows)
	}
	if len(reply.Executed) == 0 {
		return
	}
	out.heading("Executed")
	var rows [][]string
	for _, execution := range reply.Executed {
		outcome := out.status(execution.Outcome)
		if execution.Error != "" {
			outcome += ": " + execution.Error
		}
		rows = append(rows, []string{
			execution.ProposalID,
			execution.Executor,
			timestamp(execution.ExecutedAt),
			outcome,
			weightList(execution.Weights),
		})
	}
	out.table([]string{"PROPOSAL", "EXECUTOR", "EXECUTED", "OUTCOME", "WEIGHTS"}, rows)
}

func renderRisk(out *output, reply service.RiskReply) {
	if reply.Level == "" {
		fmt.Fprintln(out.w, "No risk assessment yet.")
	} else {
		out.fields(
			[2]string{"Level", out.status(reply.Level)},
			[2]string{"Assessed", timestamp(reply.AssessedAt)},
			[2]string{"Volatility", number(reply.TotalVolatility)},
			[2]string{"Diversification", number(reply.DiversificationScore)},
			[2]string{"Concentration", number(reply.ConcentrationRisk)},
			[2]string{"Market risk", number(reply.MarketRisk)},
			[2]string{"High-risk tokens", orDash(strings.Join(reply.HighRiskTokens, ", "))},
		)
	}
	if len(reply.Tokens) > 0 {
		out.heading("Tokens")
		var rows [][]string
		for _, symbol := range slices.Sorted(maps.Keys(reply.Tokens)) {
			metrics := reply.Tokens[symbol]
			rows = append(rows, []string{symbol, number(metrics.Volatility), percent(metrics.Drawdown)})
		}
		out.table([]string{"TOKEN", "VOLATILITY", "DRAWDOWN"}, rows)
	}
	if len(reply.Alerts) > 0 {
		out.heading("Alerts")
		var rows [][]string
		for _, alert := range reply.Alerts {
			rows = append(rows, []string{
				timestamp(alert.Timestamp),
				out.status(alert.Severity),
				alert.Sender,
				strings.Join(alert.AffectedTokens, ","),
				alert.Description,
			})
		}
		out.table([]string{"TIME", "SEVERITY", "SENDER", "TOKENS", "DESCRIPTION"}, rows)
	}
}

func renderAgents(out *output, reply []service.AgentSummary) {
	if len(reply) == 0 {
		fmt.Fprintln(out.w, "No agents known.")
		return
	}
	var rows [][]string
	for _, agent := range reply {
		rows = append(rows, []string{
			agent.AgentID,
			agent.TopicID,
			out.status(agent.Status),
			timestamp(agent.LastSeen),
			strings.Join(agent.Capabilities, ","),
		})
	}
	out.table([]string{"AGENT", "TOPIC", "STATUS", "LAST SEEN", "CAPABILITIES"}, rows)
}

func renderGovernance(out *output, reply []service.GovernanceSummary) {
	if len(reply) == 0 {
		fmt.Fprintln(out.w, "No governance proposals.")
		return
	}
	var rows [][]string
	for _, proposal := range reply {
		rows = append(rows, []string{
			proposal.ID,
			proposal.Type,
			out.status(proposal.Status),
			fmt.Sprintf("%s/%s/%s", number(proposal.For), number(proposal.Against), number(proposal.Abstain)),
			timestamp(proposal.Deadline),
			proposal.Title,
			orDash(proposal.Result),
		})
	}
	out.table([]string{"ID", "TYPE", "STATUS", "FOR/AGAINST/ABSTAIN", "DEADLINE", "TITLE", "RESULT"}, rows)
}
