package constant

// Paths are relative to simulation.base_url.
const DefaultBaseUrl = "https://api.worldquantbrain.com"

const AuthenticationUri = "/authentication"
const SimulationsUri = "/simulations"
const DataFieldsUri = "/data-fields"
const OperatorsUri = "/operators"
const AlphasUri = "/alphas"
const SubmittedAlphasUri = "/users/self/alphas"

const RecordSet = "/recordsets"
const YearlyStatsRecordUri = RecordSet + "/yearly-stats"
const PnlRecordUri = RecordSet + "/pnl"
const SharpeRecordUri = RecordSet + "/sharpe"
const DailyPnlRecordUri = RecordSet + "/daily-pnl"
const TurnoverRecordUri = RecordSet + "/turnover"

const CorrelationSet = "/correlations"
const SelfCorrelationUri = CorrelationSet + "/self"
const CheckUri = "/check"
const ProdCorrelationUri = CorrelationSet + "/prod"

const ServerChanUrl = "https://sctapi.ftqq.com"

const MultiSimulationPermission = "MULTI_SIMULATION"
const PowerPoolClassification = "Power Pool Alpha"

const DataFieldPageLimit = 50
const SubmittedPageLimit = 100
