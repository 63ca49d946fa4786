package ethledger

// RegistryABI is the interface of the verifier registry contract the node talks to.
const RegistryABI = `[
{"type":"function","name":"submitCommitment","stateMutability":"nonpayable","inputs":[{"name":"subject","type":"address"},{"name":"commitment","type":"bytes32"},{"name":"ticketIndex","type":"uint256"},{"name":"phase","type":"uint8"}],"outputs":[]},
{"type":"function","name":"submitReveal","stateMutability":"nonpayable","inputs":[{"name":"subject","type":"address"},{"name":"answer","type":"bool"},{"name":"nonce","type":"uint256"},{"name":"phase","type":"uint8"}],"outputs":[]},
{"type":"function","name":"raiseDissent","stateMutability":"nonpayable","inputs":[{"name":"subject","type":"address"}],"outputs":[]},
{"type":"function","name":"requestStageTransition","stateMutability":"nonpayable","inputs":[],"outputs":[]},
{"type":"function","name":"submitSlashEvidence","stateMutability":"nonpayable","inputs":[{"name":"verifier","type":"address"},{"name":"subject","type":"address"},{"name":"category","type":"uint8"}],"outputs":[]},
{"type":"function","name":"currentRound","stateMutability":"view","inputs":[],"outputs":[{"name":"index","type":"uint256"},{"name":"stage","type":"uint8"},{"name":"stageStartTime","type":"uint256"}]},
{"type":"function","name":"acceptedAnswer","stateMutability":"view","inputs":[{"name":"round","type":"uint256"},{"name":"subject","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
{"type":"function","name":"acceptedAnswerPreDissent","stateMutability":"view","inputs":[{"name":"round","type":"uint256"},{"name":"subject","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
{"type":"function","name":"commitments","stateMutability":"view","inputs":[{"name":"round","type":"uint256"},{"name":"verifier","type":"address"},{"name":"subject","type":"address"},{"name":"phase","type":"uint8"}],"outputs":[{"name":"","type":"bytes32"}]},
{"type":"function","name":"revealedAnswer","stateMutability":"view","inputs":[{"name":"round","type":"uint256"},{"name":"verifier","type":"address"},{"name":"subject","type":"address"},{"name":"phase","type":"uint8"}],"outputs":[{"name":"answer","type":"bool"},{"name":"revealed","type":"bool"}]},
{"type":"function","name":"dissentedSubjects","stateMutability":"view","inputs":[{"name":"round","type":"uint256"}],"outputs":[{"name":"","type":"address[]"}]},
{"type":"function","name":"dissenters","stateMutability":"view","inputs":[{"name":"round","type":"uint256"},{"name":"subject","type":"address"}],"outputs":[{"name":"","type":"address[]"}]},
{"type":"function","name":"bondedStake","stateMutability":"view","inputs":[{"name":"verifier","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"verifiers","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address[]"}]},
{"type":"function","name":"registeredSubjects","stateMutability":"view","inputs":[],"outputs":[{"name":"ids","type":"address[]"},{"name":"pools","type":"address[]"}]},
{"type":"function","name":"subjectActivity","stateMutability":"view","inputs":[{"name":"round","type":"uint256"},{"name":"subject","type":"address"}],"outputs":[{"name":"signature","type":"bytes32"},{"name":"storagePath","type":"string"}]}
]`
